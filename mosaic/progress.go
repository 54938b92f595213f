package mosaic

import (
	"sync"

	"github.com/schollz/progressbar/v3"
)

// ProgressWriter creates progress trackers for long running catalog builds.
type ProgressWriter interface {
	NewCountProgress(total int64, description string) Progress
}

// Progress is an active progress tracker.
type Progress interface {
	// Add increments the progress by the specified amount
	Add(num int)
	Close() error
}

var (
	progressWriterMu sync.RWMutex
	progressWriter   ProgressWriter = &defaultProgressWriter{}
)

// SetProgressWriter sets the progress writer used by catalog builds.
// Pass nil to disable progress reporting.
func SetProgressWriter(pw ProgressWriter) {
	progressWriterMu.Lock()
	defer progressWriterMu.Unlock()
	if pw == nil {
		progressWriter = &quietProgressWriter{}
	} else {
		progressWriter = pw
	}
}

// SetQuietMode suppresses progress bars, for servers and scripts.
func SetQuietMode(quiet bool) {
	if quiet {
		SetProgressWriter(nil)
	} else {
		SetProgressWriter(&defaultProgressWriter{})
	}
}

func getProgressWriter() ProgressWriter {
	progressWriterMu.RLock()
	defer progressWriterMu.RUnlock()
	return progressWriter
}

// defaultProgressWriter draws bars with schollz/progressbar
type defaultProgressWriter struct{}

func (d *defaultProgressWriter) NewCountProgress(total int64, description string) Progress {
	return &progressBarWrapper{bar: progressbar.Default(total, description)}
}

type progressBarWrapper struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func (p *progressBarWrapper) Add(num int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar.Add(num)
}

func (p *progressBarWrapper) Close() error {
	return p.bar.Close()
}

type quietProgressWriter struct{}

func (q *quietProgressWriter) NewCountProgress(total int64, description string) Progress {
	return &quietProgress{}
}

type quietProgress struct{}

func (q *quietProgress) Add(num int) {}

func (q *quietProgress) Close() error {
	return nil
}
