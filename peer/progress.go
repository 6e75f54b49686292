package peer

import (
	"sync"
	"time"
)

// TransferState represents the current state of a transfer
type TransferState int

const (
	TransferRunning TransferState = iota
	TransferCompleted
	TransferFailed
)

// String returns a string representation of the transfer state
func (s TransferState) String() string {
	switch s {
	case TransferRunning:
		return "running"
	case TransferCompleted:
		return "completed"
	case TransferFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Icon returns an icon representation of the transfer state
func (s TransferState) Icon() string {
	switch s {
	case TransferRunning:
		return "↓"
	case TransferCompleted:
		return "✓"
	case TransferFailed:
		return "✗"
	default:
		return "?"
	}
}

// TransferProgress tracks one inbound transfer. The total size is not
// known up front, so progress is counted in bytes and chunks landed
// rather than against a fixed total.
type TransferProgress struct {
	mu        sync.RWMutex
	FileName  string
	PeerAddr  string
	state     TransferState
	bytesDone uint64
	chunks    uint32
	StartTime time.Time
	EndTime   time.Time

	// Speed calculation
	lastBytes    uint64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec
}

// NewTransferProgress creates a tracker for one requested file
func NewTransferProgress(fileName, peerAddr string) *TransferProgress {
	return &TransferProgress{
		FileName:  fileName,
		PeerAddr:  peerAddr,
		state:     TransferRunning,
		StartTime: time.Now(),
		lastTime:  time.Now(),
	}
}

// RecordChunk counts one landed chunk of n bytes
func (tp *TransferProgress) RecordChunk(n int) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.bytesDone += uint64(n)
	tp.chunks++
}

// UpdateSpeed calculates and updates the current transfer speed
func (tp *TransferProgress) UpdateSpeed() float64 {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tp.lastTime).Seconds()

	if elapsed >= 0.5 { // Update every 0.5 seconds
		bytesDiff := tp.bytesDone - tp.lastBytes
		if elapsed > 0 {
			tp.currentSpeed = float64(bytesDiff) / elapsed
		}
		tp.lastBytes = tp.bytesDone
		tp.lastTime = now
	}

	return tp.currentSpeed
}

// GetProgress returns current progress statistics
// Returns: chunks landed, bytes landed, speed (bytes/s)
func (tp *TransferProgress) GetProgress() (chunks uint32, bytes uint64, speed float64) {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.chunks, tp.bytesDone, tp.currentSpeed
}

// GetBytesDone returns the total bytes landed so far
func (tp *TransferProgress) GetBytesDone() uint64 {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.bytesDone
}

// State returns the current transfer state
func (tp *TransferProgress) State() TransferState {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.state
}

// IsComplete returns true if the transfer finished with a good digest
func (tp *TransferProgress) IsComplete() bool {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.state == TransferCompleted
}

// MarkComplete marks the transfer as complete
func (tp *TransferProgress) MarkComplete() {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.state = TransferCompleted
	tp.EndTime = time.Now()
}

// MarkFailed marks the transfer as failed
func (tp *TransferProgress) MarkFailed() {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.state = TransferFailed
	tp.EndTime = time.Now()
}

// GetElapsedTime returns the elapsed time since the transfer started
func (tp *TransferProgress) GetElapsedTime() time.Duration {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	if !tp.EndTime.IsZero() {
		return tp.EndTime.Sub(tp.StartTime)
	}
	return time.Since(tp.StartTime)
}
