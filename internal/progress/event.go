// Package progress defines the events published for each ingested datagram.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TopicFFmpegStats is the topic every ingested progress frame is emitted on.
const TopicFFmpegStats = "ffmpeg_stats"

// Payload is the wire contract seen by subscribers: the filtered lines and
// the end-of-stream flag for one datagram.
type Payload struct {
	// Data holds the recognized key=value lines joined with "\n".
	Data string `json:"data"`
	// End reports whether this datagram carried the encoder's end marker.
	End bool `json:"end"`
}

// Event wraps a Payload with ingest metadata. Only Topic and Payload are part
// of the emitted contract; the rest is diagnostic.
type Event struct {
	// Topic selects which subscribers receive the event.
	Topic string
	// Payload is the filtered frame.
	Payload Payload
	// Seq increments once per received datagram, starting at 1.
	Seq uint64
	// ReceivedAt is the UTC time the datagram was read off the socket.
	ReceivedAt time.Time
	// Source is the sender address as reported by the transport.
	Source string
	// Truncated is set when the datagram exceeded the receive buffer and was cut.
	Truncated bool
}

// Validate performs coarse validation on Event values.
func (e Event) Validate() error {
	if e.Topic == "" {
		return errors.New("topic is required")
	}
	return nil
}

// MarshalPayload encodes the payload as {"data": ..., "end": ...}.
func (e Event) MarshalPayload() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal progress payload: %w", err)
	}
	return data, nil
}
