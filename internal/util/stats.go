package util

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide message/traffic counter.
var Stats = &stats{}

type stats struct {
	MsgsSent  atomic.Int64 // messages framed and accepted by the transport
	MsgsRecv  atomic.Int64 // well-formed frames received
	BytesSent atomic.Int64 // frame bytes written to the DataChannel
	BytesRecv atomic.Int64 // frame bytes read  from the DataChannel
}

func (s *stats) AddSent(n int) {
	s.MsgsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.MsgsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// StartStatsReporter launches a goroutine that logs session statistics
// every 30 seconds while there is activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.MsgsSent.Load()
				recv := Stats.MsgsRecv.Load()

				if sent != prevSent || recv != prevRecv {
					pterm.DefaultLogger.Info(pterm.Sprintf(
						"session: %d msgs sent (%d B) | %d msgs received (%d B)",
						sent, Stats.BytesSent.Load(),
						recv, Stats.BytesRecv.Load(),
					))
				}

				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}
