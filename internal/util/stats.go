package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/session counter.
var Stats = &stats{}

type stats struct {
	TotalConns        atomic.Int64 // cumulative count of transport connections
	ClosedConns       atomic.Int64 // cumulative count of closed transport connections
	Sessions          atomic.Int64 // cumulative count of established sessions
	HandshakeFailures atomic.Int64 // handshakes rejected, malformed or timed out
	KeepaliveTimeouts atomic.Int64 // sessions closed for missing keepalive traffic
	FramesSent        atomic.Int64 // audio frames written to peers
	FramesRecv        atomic.Int64 // audio frames received from peers
	BytesSent         atomic.Int64 // cumulative bytes written to peers
	BytesRecv         atomic.Int64 // cumulative bytes read from peers
}

func (s *stats) AddConn()             { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()          { s.ClosedConns.Add(1) }
func (s *stats) AddSession()          { s.Sessions.Add(1) }
func (s *stats) AddHandshakeFailure() { s.HandshakeFailures.Add(1) }
func (s *stats) AddKeepaliveTimeout() { s.KeepaliveTimeouts.Add(1) }
func (s *stats) AddFrameSent()        { s.FramesSent.Add(1) }
func (s *stats) AddFrameRecv()        { s.FramesRecv.Add(1) }
func (s *stats) AddSent(n int)        { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)        { s.BytesRecv.Add(int64(n)) }
func (s *stats) OpenConns() int64     { return s.TotalConns.Load() - s.ClosedConns.Load() }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				upC := total - prevTotal
				downC := closed - prevClosed

				if upC > 0 || downC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, upC, downC))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, upC, downC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ | Open: %d",
		formatBytes(inS),
		formatBytes(outS),
		upC,
		downC,
		Stats.OpenConns(),
	)
}
