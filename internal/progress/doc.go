// Package progress provides the event primitives, subscriber registry, and
// non-blocking hub the ingest loop uses to publish ffmpeg progress frames. The
// hub hands events to a background goroutine that fans them out, in order, to
// every subscriber registered for the event's topic.
package progress
