package stats

import (
	"strconv"
	"strings"
	"time"
)

// Field identifies one recognized progress key.
type Field uint8

// Recognized progress fields.
const (
	FieldFrame Field = 1 << iota
	FieldTotalSize
	FieldOutTime
	FieldDupFrames
	FieldDropFrames
)

// Sample holds the numeric values carried by one frame. ffmpeg names the
// output position out_time_ms but reports it in microseconds.
type Sample struct {
	Frame      int64
	TotalSize  int64
	OutTimeUS  int64
	DupFrames  int64
	DropFrames int64
	known      Field
}

// Has reports whether f was present with a parseable value.
func (s Sample) Has(f Field) bool {
	return s.known&f != 0
}

// OutTime converts the encoded output position to a duration.
func (s Sample) OutTime() time.Duration {
	return time.Duration(s.OutTimeUS) * time.Microsecond
}

// ParseSample reads key=value lines. Unknown keys and values that do not parse
// as integers (ffmpeg prints N/A early in a run) are skipped.
func ParseSample(data string) Sample {
	var s Sample
	for _, line := range strings.Split(data, "\n") {
		key, raw, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "frame":
			s.Frame, s.known = v, s.known|FieldFrame
		case "total_size":
			s.TotalSize, s.known = v, s.known|FieldTotalSize
		case "out_time_ms":
			s.OutTimeUS, s.known = v, s.known|FieldOutTime
		case "dup_frames":
			s.DupFrames, s.known = v, s.known|FieldDupFrames
		case "drop_frames":
			s.DropFrames, s.known = v, s.known|FieldDropFrames
		}
	}
	return s
}

// Rates are the values derived between two samples.
type Rates struct {
	// FPS is frames encoded per wall-clock second.
	FPS float64 `json:"fps"`
	// Bitrate is output bits per second of encoded media.
	Bitrate float64 `json:"bitrate"`
	// Speed is encoded media time per wall-clock time (1.0 = realtime).
	Speed      float64 `json:"speed"`
	DupFrames  int64   `json:"dup_frames"`
	DropFrames int64   `json:"drop_frames"`
}

// Tracker remembers the last value of every field so each new sample can be
// turned into rates. ffmpeg often splits one report across datagrams, so
// fields are tracked independently. The zero value is ready to use; it is not
// safe for concurrent use.
type Tracker struct {
	last  Rates
	prev  map[Field]point
	ended bool
}

type point struct {
	value int64
	at    time.Time
	// media is the output position seen alongside value, for bitrate.
	media int64
}

// Observe folds a sample received at the given time into the tracker and
// returns the latest rates. When end is true the tracker resets after
// computing, so the next stream starts from scratch.
func (t *Tracker) Observe(at time.Time, s Sample, end bool) Rates {
	if t.prev == nil || t.ended {
		t.reset()
	}

	if s.Has(FieldFrame) {
		if p, ok := t.prev[FieldFrame]; ok {
			if dt := at.Sub(p.at).Seconds(); dt > 0 && s.Frame >= p.value {
				t.last.FPS = float64(s.Frame-p.value) / dt
			}
		}
		t.prev[FieldFrame] = point{value: s.Frame, at: at}
	}
	if s.Has(FieldOutTime) {
		if p, ok := t.prev[FieldOutTime]; ok {
			if dt := at.Sub(p.at).Seconds(); dt > 0 && s.OutTimeUS >= p.value {
				t.last.Speed = float64(s.OutTimeUS-p.value) / 1e6 / dt
			}
		}
		t.prev[FieldOutTime] = point{value: s.OutTimeUS, at: at}
	}
	if s.Has(FieldTotalSize) {
		media, haveMedia := t.mediaPosition(s)
		if p, ok := t.prev[FieldTotalSize]; ok && haveMedia {
			if dm := float64(media-p.media) / 1e6; dm > 0 && s.TotalSize >= p.value {
				t.last.Bitrate = float64(s.TotalSize-p.value) * 8 / dm
			}
		}
		if haveMedia {
			t.prev[FieldTotalSize] = point{value: s.TotalSize, at: at, media: media}
		}
	}
	if s.Has(FieldDupFrames) {
		t.last.DupFrames = s.DupFrames
	}
	if s.Has(FieldDropFrames) {
		t.last.DropFrames = s.DropFrames
	}

	out := t.last
	if end {
		t.ended = true
	}
	return out
}

// mediaPosition picks the output position matching a total_size value: the
// one in the same sample, or the last one seen.
func (t *Tracker) mediaPosition(s Sample) (int64, bool) {
	if s.Has(FieldOutTime) {
		return s.OutTimeUS, true
	}
	if p, ok := t.prev[FieldOutTime]; ok {
		return p.value, true
	}
	return 0, false
}

func (t *Tracker) reset() {
	t.prev = make(map[Field]point)
	t.last = Rates{}
	t.ended = false
}
