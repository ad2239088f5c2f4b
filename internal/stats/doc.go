// Package stats turns the filtered text of a progress frame back into numbers
// and derives encoder rates (fps, bitrate, speed) from consecutive samples.
// Subscribers use it; the ingest path itself never parses values.
package stats
