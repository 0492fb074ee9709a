// Package progress reports crawl progress to stderr while a build runs.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// Reporter tracks indexed/missing/queued tallies and renders them to an
// indeterminate stderr spinner, matching the "downstream progress
// counters" the crawler updates as each package completes.
type Reporter struct {
	mu                       sync.Mutex
	bar                      *progressbar.ProgressBar
	indexed, missing, queued int
}

// Option configures a Reporter.
type Option func(*options)

type options struct {
	writer io.Writer
}

// WithWriter overrides the destination for progress output (default
// os.Stderr); tests use this to capture or silence it.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// New returns a Reporter rendering to os.Stderr unless overridden.
func New(opts ...Option) *Reporter {
	o := options{writer: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(o.writer),
		progressbar.OptionSetDescription("crawling"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
	return &Reporter{bar: bar}
}

// Indexed records one successfully indexed package.
func (r *Reporter) Indexed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed++
	r.render()
}

// Missing records one package whose narinfo or file listing 404'd.
func (r *Reporter) Missing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missing++
	r.render()
}

// SetQueued updates the current work-set queue depth.
func (r *Reporter) SetQueued(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = n
	r.render()
}

func (r *Reporter) render() {
	r.bar.Describe(fmt.Sprintf("indexed=%d missing=%d queued=%d", r.indexed, r.missing, r.queued))
	_ = r.bar.Add(1)
}

// Close finalizes the progress display.
func (r *Reporter) Close() error {
	return r.bar.Finish()
}
