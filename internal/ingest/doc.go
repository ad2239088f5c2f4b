// Package ingest owns the UDP socket ffmpeg reports progress to. A Listener
// reads one datagram at a time, filters it through the frame parser, and
// hands the result to a progress.Emitter. Emission failures are logged and
// never stop the loop; only bind failures and persistent receive failures do.
package ingest
