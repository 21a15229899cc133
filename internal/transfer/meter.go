package transfer

import (
	"io"
	"sync"
	"time"
)

const (
	// DownloadReportBytes and UploadReportBytes are the byte thresholds
	// that trigger a progress report.
	DownloadReportBytes = 64 * 1024
	UploadReportBytes   = 256 * 1024
	// ReportInterval triggers a report when bytes trickle in slowly.
	ReportInterval = 100 * time.Millisecond
)

// Meter counts bytes and reports the running total through a callback,
// rate limited to one call per threshold bytes or interval, whichever comes
// first.
type Meter struct {
	mu         sync.Mutex
	report     func(total int64)
	threshold  int64
	interval   time.Duration
	now        func() time.Time
	total      int64
	reported   int64
	lastReport time.Time
}

// NewMeter returns a Meter calling report with the cumulative byte count.
func NewMeter(threshold int64, interval time.Duration, report func(total int64)) *Meter {
	return newMeterAt(threshold, interval, report, time.Now)
}

func newMeterAt(threshold int64, interval time.Duration, report func(total int64), now func() time.Time) *Meter {
	return &Meter{
		report:     report,
		threshold:  threshold,
		interval:   interval,
		now:        now,
		lastReport: now(),
	}
}

// Add counts n more bytes.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.total += int64(n)
	now := m.now()
	due := m.total-m.reported >= m.threshold || now.Sub(m.lastReport) >= m.interval
	var total int64
	if due {
		m.reported = m.total
		m.lastReport = now
		total = m.total
	}
	m.mu.Unlock()

	if due && m.report != nil {
		m.report(total)
	}
}

// Flush reports the total if any bytes are unreported.
func (m *Meter) Flush() {
	m.mu.Lock()
	if m.total == m.reported {
		m.mu.Unlock()
		return
	}
	m.reported = m.total
	m.lastReport = m.now()
	total := m.total
	m.mu.Unlock()

	if m.report != nil {
		m.report(total)
	}
}

// Total returns the bytes counted so far.
func (m *Meter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Reader counts bytes read through it.
type Reader struct {
	r io.Reader
	m *Meter
}

func NewReader(r io.Reader, m *Meter) *Reader { return &Reader{r: r, m: m} }

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.m.Add(n)
	return n, err
}

// Close flushes the meter and closes the wrapped reader when it is a Closer.
func (r *Reader) Close() error {
	r.m.Flush()
	if c, ok := r.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Writer counts bytes written through it.
type Writer struct {
	w io.Writer
	m *Meter
}

func NewWriter(w io.Writer, m *Meter) *Writer { return &Writer{w: w, m: m} }

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.m.Add(n)
	return n, err
}

// Close flushes the meter and closes the wrapped writer when it is a Closer.
func (w *Writer) Close() error {
	w.m.Flush()
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
