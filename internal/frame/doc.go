// Package frame turns a raw ffmpeg progress datagram into a filtered Frame:
// the whitelisted key=value lines in their original order plus a flag telling
// whether the datagram carried the encoder's end-of-stream marker.
package frame
