package peer

import (
	"fmt"
	"time"
)

// ANSI color codes for terminal output
const (
	Reset   = "\033[0m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	White   = "\033[37m"
	Gray    = "\033[90m"
	Bold    = "\033[1m"
)

// spinnerFrames animate an in-flight transfer whose size is unknown
var spinnerFrames = []string{"⣾", "⣽", "⣻", "⢿", "⡿", "⣟", "⣯", "⣷"}

// ProgressRenderer handles the rendering of transfer progress to the
// terminal. The file size is not known until the last chunk lands, so
// it draws a spinner and running byte count instead of a bar.
type ProgressRenderer struct {
	tracker     *TransferProgress
	stopChan    chan struct{}
	refreshRate time.Duration
	useColors   bool
	frame       int
}

// NewProgressRenderer creates a new progress renderer
func NewProgressRenderer(tracker *TransferProgress, useColors bool) *ProgressRenderer {
	return &ProgressRenderer{
		tracker:     tracker,
		stopChan:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
	}
}

// SetRefreshRate sets the refresh rate for the progress line
func (pr *ProgressRenderer) SetRefreshRate(rate time.Duration) {
	pr.refreshRate = rate
}

// Start begins the render loop
func (pr *ProgressRenderer) Start() {
	// Initial render
	pr.Render()

	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pr.tracker.UpdateSpeed()
			pr.Render()
		case <-pr.stopChan:
			return
		}
	}
}

// Stop signals the renderer to stop (does not wait for completion)
func (pr *ProgressRenderer) Stop() {
	close(pr.stopChan)
}

// StopAndWait stops the renderer and draws the final state
func (pr *ProgressRenderer) StopAndWait() {
	close(pr.stopChan)
	if pr.tracker.IsComplete() {
		pr.RenderFinal()
	} else {
		pr.RenderError()
	}
}

// Render renders the current progress to the terminal
func (pr *ProgressRenderer) Render() {
	chunks, bytes, speed := pr.tracker.GetProgress()

	spin := spinnerFrames[pr.frame%len(spinnerFrames)]
	pr.frame++

	bytesStr := formatBytes(float64(bytes))
	speedStr := formatBytes(speed)

	var line string
	if pr.useColors {
		line = fmt.Sprintf("\r%s[%s]%s %s %s | %s/s | %d chunks | from %s",
			Cyan, pr.tracker.FileName, Reset,
			Yellow+spin+Reset,
			bytesStr, Blue+speedStr+Reset, chunks, pr.tracker.PeerAddr,
		)
	} else {
		line = fmt.Sprintf("\r[%s] %s %s | %s/s | %d chunks | from %s",
			pr.tracker.FileName, spin, bytesStr, speedStr, chunks, pr.tracker.PeerAddr,
		)
	}

	fmt.Print(line)
}

// RenderFinal renders the final completed state
func (pr *ProgressRenderer) RenderFinal() {
	chunks, bytes, _ := pr.tracker.GetProgress()
	elapsed := pr.tracker.GetElapsedTime()

	// Clear the previous line completely
	fmt.Print("\r\033[K")

	var line string
	if pr.useColors {
		line = fmt.Sprintf("%s[%s]%s %s✓%s %s in %d chunks | Completed in %s\n",
			Cyan, pr.tracker.FileName, Reset,
			Green, Reset,
			formatBytes(float64(bytes)), chunks, formatDuration(elapsed),
		)
	} else {
		line = fmt.Sprintf("[%s] ✓ %s in %d chunks | Completed in %s\n",
			pr.tracker.FileName, formatBytes(float64(bytes)), chunks, formatDuration(elapsed),
		)
	}

	fmt.Print(line)
}

// RenderError renders a failed state
func (pr *ProgressRenderer) RenderError() {
	chunks, bytes, _ := pr.tracker.GetProgress()

	// Clear the previous line completely
	fmt.Print("\r\033[K")

	var line string
	if pr.useColors {
		line = fmt.Sprintf("%s[%s]%s %s✗ Transfer failed%s after %s (%d chunks)\n",
			Cyan, pr.tracker.FileName, Reset,
			Red, Reset,
			formatBytes(float64(bytes)), chunks,
		)
	} else {
		line = fmt.Sprintf("[%s] ✗ Transfer failed after %s (%d chunks)\n",
			pr.tracker.FileName, formatBytes(float64(bytes)), chunks,
		)
	}

	fmt.Print(line)
}

// formatBytes formats a byte count into a human-readable string
func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		mins := d / time.Minute
		secs := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := d / time.Hour
	mins := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, mins)
}

// IsTerminalSupported checks if the current environment supports
// terminal control codes
func IsTerminalSupported() bool {
	// For now, always return true on non-Windows, or check environment
	// In production, you'd use sys/unix.IoctlGetTermios or similar
	return true
}
