package util

import (
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"
)

const (
	defaultProgressDelay    = time.Second
	defaultProgressInterval = 150 * time.Millisecond
)

// ProgressFunc is callback that is called during send/receive operations to indicate progress to the user.
// total is -1 if the size of the stream is not known in advance.
type ProgressFunc func(processed int64, total int64, done bool)

// progress periodically reports the number of processed bytes to a ProgressFunc. Reporting starts only
// after a delay, so that short transfers don't print anything until they are done.
type progress struct {
	processed *atomic.Int64
	total     int64
	fn        ProgressFunc
	ticker    *time.Ticker
	timer     *time.Timer
	stop      chan struct{}
	done      bool
	mu        sync.Mutex
}

func newProgress(total int64, fn ProgressFunc, delay, interval time.Duration) *progress {
	p := &progress{
		processed: atomic.NewInt64(0),
		total:     total,
		fn:        fn,
		stop:      make(chan struct{}),
	}
	p.timer = time.AfterFunc(delay, func() { p.tick(interval) })
	return p
}

func (p *progress) add(n int) {
	p.processed.Add(int64(n))
}

func (p *progress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	close(p.stop)
	p.timer.Stop()
	if p.ticker != nil {
		p.ticker.Stop()
	}
	p.fn(p.processed.Load(), p.total, true)
}

func (p *progress) tick(interval time.Duration) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.ticker = time.NewTicker(interval)
	ticker := p.ticker
	p.mu.Unlock()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			if !p.done {
				p.fn(p.processed.Load(), p.total, false)
			}
			p.mu.Unlock()
		}
	}
}

// ProgressReader counts the bytes read through it.
// Originally from https://github.com/machinebox/progress (Apache License 2.0)
type ProgressReader struct {
	reader io.Reader
	*progress
}

// NewProgressReader creates a new ProgressReader using fn as the callback function for progress updates,
// and total as the optional max value that is passed through to fn. This constructor uses the default
// progress delay and interval.
func NewProgressReader(r io.Reader, total int64, fn ProgressFunc) *ProgressReader {
	return NewProgressReaderWithDelay(r, total, fn, defaultProgressDelay, defaultProgressInterval)
}

// NewProgressReaderWithDelay is like NewProgressReader, but with a custom delay and update interval.
func NewProgressReaderWithDelay(r io.Reader, total int64, fn ProgressFunc, delay time.Duration, interval time.Duration) *ProgressReader {
	return &ProgressReader{
		reader:   r,
		progress: newProgress(total, fn, delay, interval),
	}
}

// Read passes reads through to the underlying reader, but also updates the internal state of how many bytes
// have been processed.
func (r *ProgressReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	r.add(n)
	return
}

// Close stops the progress update ticker and calls the callback function one last time, with the "done"
// flag set. If the underlying reader is a io.Closer, it is closed as well.
func (r *ProgressReader) Close() error {
	r.finish()
	if c, ok := r.reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ProgressWriter counts the bytes written through it. It is the receiving counterpart to ProgressReader.
type ProgressWriter struct {
	writer io.Writer
	*progress
}

// NewProgressWriter creates a new ProgressWriter using fn as the callback function for progress updates.
// The total size of a received stream is not known, so fn is always passed -1 as total.
func NewProgressWriter(w io.Writer, fn ProgressFunc) *ProgressWriter {
	return NewProgressWriterWithDelay(w, fn, defaultProgressDelay, defaultProgressInterval)
}

// NewProgressWriterWithDelay is like NewProgressWriter, but with a custom delay and update interval.
func NewProgressWriterWithDelay(w io.Writer, fn ProgressFunc, delay time.Duration, interval time.Duration) *ProgressWriter {
	return &ProgressWriter{
		writer:   w,
		progress: newProgress(-1, fn, delay, interval),
	}
}

// Write passes writes through to the underlying writer and counts the written bytes
func (w *ProgressWriter) Write(p []byte) (n int, err error) {
	n, err = w.writer.Write(p)
	w.add(n)
	return
}

// Close stops the progress ticker and reports the final count. The underlying writer is not closed.
func (w *ProgressWriter) Close() error {
	w.finish()
	return nil
}
