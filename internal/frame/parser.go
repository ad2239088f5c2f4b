package frame

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// Keys lists the progress fields that survive filtering. The match is a
// literal prefix test on "key=", so whitespace and casing are significant.
var Keys = []string{
	"frame",
	"total_size",
	"out_time_ms",
	"dup_frames",
	"drop_frames",
}

// EndSuffix marks the encoder's terminal report (conventionally progress=end).
const EndSuffix = "=end"

var prefixes = func() []string {
	out := make([]string, len(Keys))
	for i, k := range Keys {
		out[i] = k + "="
	}
	return out
}()

// Frame is the filtered view of one datagram.
type Frame struct {
	// Data holds the recognized lines joined with "\n", without a trailing separator.
	Data string
	// End is true when any line of the datagram, recognized or not, ends with EndSuffix.
	End bool
}

// Parse decodes raw lossily, keeps recognized lines and detects the end
// marker. It has no side effects and never fails.
func Parse(raw []byte) Frame {
	lines := strings.Split(decode(raw), "\n")
	kept := make([]string, 0, len(lines))
	end := false
	for _, line := range lines {
		if strings.HasSuffix(line, EndSuffix) {
			end = true
		}
		if Recognized(line) {
			kept = append(kept, line)
		}
	}
	return Frame{Data: strings.Join(kept, "\n"), End: end}
}

// Recognized reports whether line starts with one of the whitelisted keys.
func Recognized(line string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// decode replaces invalid UTF-8 with U+FFFD instead of rejecting it.
func decode(raw []byte) string {
	out, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "�")
	}
	return string(out)
}
