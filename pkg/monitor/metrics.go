package monitor

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/EDiasAlberto/peerbrowser/pkg/logger"
)

// Metrics holds counters for one running node. Datagram counters are
// bumped by the transport, chunk counters by the transfer manager.
type Metrics struct {
	DatagramsIn     int64
	DatagramsOut    int64
	MalformedDrops  int64
	ChunkRetransmit int64
	// Total bytes moved by completed transfers
	TransferBytes int64
	// Number of completed transfers
	TransferCount int64
	// Number of transfers abandoned after exhausting retries
	TransferFails int64
	// Server start time
	ServerStart time.Time
	// Current transfer start time
	TransferStart time.Time
}

// Global metrics instance
var Global = &Metrics{
	ServerStart: time.Now(),
}

// CountIn records one received datagram.
func CountIn() {
	atomic.AddInt64(&Global.DatagramsIn, 1)
}

// CountOut records one sent datagram.
func CountOut() {
	atomic.AddInt64(&Global.DatagramsOut, 1)
}

// CountMalformed records one dropped undecodable datagram.
func CountMalformed() {
	atomic.AddInt64(&Global.MalformedDrops, 1)
}

// CountRetransmit records one retransmitted chunk.
func CountRetransmit() {
	atomic.AddInt64(&Global.ChunkRetransmit, 1)
}

// CountTransferFail records one abandoned transfer.
func CountTransferFail() {
	atomic.AddInt64(&Global.TransferFails, 1)
}

// LogPeriodic logs runtime metrics at the specified interval
func LogPeriodic(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		elapsed := time.Since(Global.ServerStart).Seconds()
		var throughput float64
		if elapsed > 0 {
			throughput = float64(atomic.LoadInt64(&Global.TransferBytes)) / elapsed / 1024 / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | In=%d | Out=%d | Malformed=%d | Retransmits=%d | Throughput=%.2fMB/s | Transfers=%d | Failed=%d",
			runtime.NumGoroutine(),
			m.HeapAlloc/1024/1024,
			atomic.LoadInt64(&Global.DatagramsIn),
			atomic.LoadInt64(&Global.DatagramsOut),
			atomic.LoadInt64(&Global.MalformedDrops),
			atomic.LoadInt64(&Global.ChunkRetransmit),
			throughput,
			atomic.LoadInt64(&Global.TransferCount),
			atomic.LoadInt64(&Global.TransferFails),
		)
	}
}

// StartTransfer records the start of a transfer
func StartTransfer() {
	Global.TransferStart = time.Now()
}

// RecordTransfer records a completed transfer
func RecordTransfer(bytes int64) {
	atomic.AddInt64(&Global.TransferBytes, bytes)
	atomic.AddInt64(&Global.TransferCount, 1)

	duration := time.Since(Global.TransferStart).Seconds()
	var speed float64
	if duration > 0 {
		speed = float64(bytes) / duration / 1024 / 1024
	}

	logger.Sugar.Infof("[Transfer] Size=%dKB | Duration=%.2fs | Speed=%.2fMB/s",
		bytes/1024, duration, speed)
}
