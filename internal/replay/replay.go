// Package replay sends a recorded ffmpeg -progress stream to a relay, one
// report per datagram, the way a live encoder would.
package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ReportTerminator starts the line ffmpeg writes at the end of every report.
const ReportTerminator = "progress="

// ErrEmpty is returned when the recording holds no reports.
var ErrEmpty = errors.New("recording contains no progress reports")

// Blocks splits a recording into reports. Each report ends with its
// progress= line; trailing lines without one form a final report. Line
// endings are normalized to "\n" and blank lines are skipped.
func Blocks(r io.Reader) ([][]byte, error) {
	scanner := bufio.NewScanner(r)
	var (
		blocks  [][]byte
		current strings.Builder
	)
	flush := func() {
		if current.Len() == 0 {
			return
		}
		blocks = append(blocks, []byte(current.String()))
		current.Reset()
	}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasPrefix(line, ReportTerminator) {
			flush()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	flush()
	if len(blocks) == 0 {
		return nil, ErrEmpty
	}
	return blocks, nil
}

// Options controls Send.
//   - Interval: pause between datagrams (ffmpeg reports every 500ms by default).
//   - Logger: optional structured logger.
type Options struct {
	Interval time.Duration
	Logger   *zap.Logger
}

// Send writes each block as one datagram on conn, waiting Interval between
// them. It stops early when ctx ends and returns the number of blocks sent.
func Send(ctx context.Context, conn net.Conn, blocks [][]byte, opts Options) (int, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var ticker *time.Ticker
	if opts.Interval > 0 {
		ticker = time.NewTicker(opts.Interval)
		defer ticker.Stop()
	}
	for i, block := range blocks {
		if i > 0 && ticker != nil {
			select {
			case <-ctx.Done():
				return i, fmt.Errorf("replay interrupted: %w", ctx.Err())
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return i, fmt.Errorf("replay interrupted: %w", err)
		}
		if _, err := conn.Write(block); err != nil {
			return i, fmt.Errorf("send report %d: %w", i+1, err)
		}
		logger.Debug("report sent", zap.Int("index", i+1), zap.Int("bytes", len(block)))
	}
	logger.Info("replay complete", zap.Int("reports", len(blocks)))
	return len(blocks), nil
}

// File replays the recording at path to the UDP address addr.
func File(ctx context.Context, path string, r io.Reader, addr string, opts Options) (int, error) {
	blocks, err := Blocks(r)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	return Send(ctx, conn, blocks, opts)
}
