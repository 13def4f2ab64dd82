// Package job adapts a page-at-a-time capture session to the eSCL job
// lifecycle.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/mzyy94/esclbridge/internal/capture"
	"github.com/mzyy94/esclbridge/internal/escl"
)

// Errors returned by Adapter.
var (
	ErrConcurrentWait     = errors.New("job: WaitForNextDocument already in progress")
	ErrCallbackRegistered = errors.New("job: status transition callback already registered")
	ErrNoDocument         = errors.New("job: no current document")
)

// State is the adapter's position in the job lifecycle.
type State int

const (
	StateCreated State = iota
	StateCapturing
	StatePageReady
	StateCancelling
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateCapturing:
		return "Capturing"
	case StatePageReady:
		return "PageReady"
	case StateCancelling:
		return "Cancelling"
	case StateCompleted:
		return "Completed"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// TransitionFunc observes status transitions. It must not call Cancel.
type TransitionFunc func(escl.StatusTransition)

// Options configures an Adapter.
type Options struct {
	// OnTransition is registered before capture starts, so it also sees
	// the transitions of a failed start.
	OnTransition TransitionFunc
	// JPEGQuality applies when pages are encoded here. Defaults to 90.
	JPEGQuality int
}

// Adapter runs one scan job.
type Adapter struct {
	settings    escl.ScanSettings
	format      string
	options     capture.Options
	jpegQuality int

	ctx     context.Context
	cancel  context.CancelFunc
	session capture.Session
	events  chan capture.Event
	abandon chan struct{}
	done    chan struct{}
	waiting atomic.Bool

	// emitMu serializes callback delivery so transitions arrive in order.
	emitMu sync.Mutex

	mu          sync.Mutex
	state       State
	callback    TransitionFunc
	outbox      []escl.StatusTransition
	hasError    bool
	err         error
	cancelling  bool
	completed   bool
	succeeded   bool
	exhausted   bool
	current     *capture.Page
	pages       int
	progress    float64
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	progress chan float64
	pageEnd  chan struct{}
}

// New translates settings into capture options and starts a scan on
// dev. Capture events are subscribed to before the driver is started.
// When the driver fails to start, DeviceIdle and AbortJob are delivered
// to opts.OnTransition and the error is returned.
func New(ctx context.Context, drv capture.Driver, dev capture.Device, settings escl.ScanSettings, opts Options) (*Adapter, error) {
	a := &Adapter{
		settings:    settings,
		format:      normalizeFormat(settings.Format()),
		options:     Translate(settings),
		jpegQuality: opts.JPEGQuality,
		callback:    opts.OnTransition,
		events:      make(chan capture.Event, 16),
		abandon:     make(chan struct{}),
		done:        make(chan struct{}),
		subscribers: make(map[*subscriber]struct{}),
	}
	if a.jpegQuality <= 0 {
		a.jpegQuality = 90
	}
	// The job outlives the request that created it.
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	go a.eventLoop()

	session, err := drv.Scan(a.ctx, dev, a.options, a.events)
	if err != nil {
		slog.Warn("scan start failed", "driver", drv.Name(), "device", dev.ID, "err", err)
		close(a.abandon)
		a.mu.Lock()
		a.hasError = true
		a.err = err
		a.mu.Unlock()
		a.complete()
		return nil, fmt.Errorf("job: start scan on %s/%s: %w", drv.Name(), dev.ID, err)
	}

	a.mu.Lock()
	a.session = session
	a.state = StateCapturing
	a.mu.Unlock()

	slog.Debug("job started",
		"driver", drv.Name(),
		"device", dev.ID,
		"format", a.format,
		"resolution", a.options.Resolution,
		"source", a.options.Source,
		"depth", a.options.BitDepth,
	)
	return a, nil
}

// Translate maps negotiated eSCL settings onto capture options.
func Translate(s escl.ScanSettings) capture.Options {
	opts := capture.Options{
		Resolution: max(s.XResolution, s.YResolution),
		Brightness: s.Brightness,
		Contrast:   s.Contrast,
		Threshold:  s.Threshold,
	}

	switch s.ColorMode {
	case escl.ColorModeBlackAndWhite1:
		opts.BitDepth = capture.BitDepthBlackWhite
	case escl.ColorModeGrayscale8, escl.ColorModeGrayscale16:
		opts.BitDepth = capture.BitDepthGrayscale
	default:
		opts.BitDepth = capture.BitDepthColor
	}

	switch {
	case s.InputSource == escl.InputSourceFeeder && s.Duplex:
		opts.Source = capture.SourceDuplexFeeder
	case s.InputSource == escl.InputSourceFeeder:
		opts.Source = capture.SourceFeeder
	default:
		opts.Source = capture.SourcePlaten
	}

	if s.Region.Width > 0 && s.Region.Height > 0 {
		opts.PageSize = &capture.PageSize{
			Width:  capture.FromThreeHundredths(s.Region.Width),
			Height: capture.FromThreeHundredths(s.Region.Height),
		}
	}
	opts.XOffset = capture.FromThreeHundredths(s.Region.XOffset)
	opts.YOffset = capture.FromThreeHundredths(s.Region.YOffset)
	return opts
}

func (a *Adapter) eventLoop() {
	for {
		select {
		case ev := <-a.events:
			if a.handle(ev) {
				return
			}
		case <-a.abandon:
			return
		}
	}
}

// handle applies one capture event and reports whether it ended the scan.
func (a *Adapter) handle(ev capture.Event) bool {
	switch ev.Kind {
	case capture.PageProgress:
		a.mu.Lock()
		a.progress = ev.Progress
		for sub := range a.subscribers {
			select {
			case sub.progress <- ev.Progress:
			default:
			}
		}
		a.mu.Unlock()
	case capture.PageEnd:
		a.mu.Lock()
		a.progress = 1
		for sub := range a.subscribers {
			close(sub.pageEnd)
			delete(a.subscribers, sub)
		}
		a.mu.Unlock()
	case capture.ScanError:
		a.mu.Lock()
		a.hasError = true
		if a.err == nil {
			a.err = ev.Err
		}
		a.mu.Unlock()
		slog.Warn("scan error", "page", ev.Page, "err", ev.Err)
	case capture.ScanEnd:
		a.complete()
		return true
	}
	return false
}

// complete resolves the job once: DeviceIdle, then AbortJob when an error
// was seen or the job was cancelled.
func (a *Adapter) complete() {
	a.mu.Lock()
	if a.completed {
		a.mu.Unlock()
		return
	}
	a.completed = true
	a.state = StateCompleted
	a.outbox = append(a.outbox, escl.DeviceIdle)
	if a.hasError || a.cancelling {
		a.outbox = append(a.outbox, escl.AbortJob)
	}
	a.succeeded = !a.hasError
	a.mu.Unlock()

	a.flush()
	a.cancel()
	close(a.done)
}

// flush delivers queued transitions in order once a callback exists.
func (a *Adapter) flush() {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	for {
		a.mu.Lock()
		if a.callback == nil || len(a.outbox) == 0 {
			a.mu.Unlock()
			return
		}
		fn, t := a.callback, a.outbox[0]
		a.outbox = a.outbox[1:]
		a.mu.Unlock()
		fn(t)
	}
}

// RegisterStatusTransitionCallback sets the transition observer.
// Transitions emitted earlier are replayed to it. Only one callback may
// be registered per job, including Options.OnTransition.
func (a *Adapter) RegisterStatusTransitionCallback(fn TransitionFunc) error {
	a.mu.Lock()
	if a.callback != nil {
		a.mu.Unlock()
		return ErrCallbackRegistered
	}
	a.callback = fn
	a.mu.Unlock()
	a.flush()
	return nil
}

// WaitForNextDocument advances to the next page. It returns false when
// the job has no more pages or was cancelled. It is not reentrant.
func (a *Adapter) WaitForNextDocument(ctx context.Context) (bool, error) {
	if !a.waiting.CompareAndSwap(false, true) {
		return false, ErrConcurrentWait
	}
	defer a.waiting.Store(false)

	a.mu.Lock()
	if a.cancelling || a.exhausted || a.session == nil {
		a.current = nil
		a.mu.Unlock()
		return false, nil
	}
	sess := a.session
	a.current = nil
	a.state = StateCapturing
	a.mu.Unlock()

	page, err := sess.NextPage(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelling {
		return false, nil
	}
	switch {
	case errors.Is(err, io.EOF):
		a.exhausted = true
		return false, nil
	case err != nil:
		a.exhausted = true
		a.hasError = true
		if a.err == nil {
			a.err = err
		}
		return false, err
	case page == nil:
		a.exhausted = true
		return false, nil
	}
	a.current = page
	a.pages++
	if !a.completed {
		a.state = StatePageReady
	}
	return true, nil
}

// WriteDocumentTo encodes the current page in the negotiated format.
func (a *Adapter) WriteDocumentTo(w io.Writer) error {
	a.mu.Lock()
	page := a.current
	a.mu.Unlock()
	if page == nil {
		return ErrNoDocument
	}

	switch a.format {
	case FormatPDF:
		return writePDF(w, page, pdfOptions{
			DPI:       a.options.Resolution,
			Bitonal:   a.options.BitDepth == capture.BitDepthBlackWhite,
			Threshold: bitonalThreshold(a.options.Threshold),
			Quality:   a.jpegQuality,
		})
	case FormatPNG:
		return writePNG(w, page)
	default:
		return writeJPEG(w, page, a.jpegQuality)
	}
}

// bitonalThreshold converts the requested threshold to a luminance
// cutoff, defaulting to mid-gray.
func bitonalThreshold(t *int) uint8 {
	if t == nil {
		return 128
	}
	return uint8(min(max(*t, 0), 255))
}

// WriteProgressTo streams page progress as one fraction per line until
// the current page ends, the job completes or ctx is done.
func (a *Adapter) WriteProgressTo(ctx context.Context, w io.Writer) error {
	sub := a.subscribe()
	if sub == nil {
		return nil
	}
	defer a.unsubscribe(sub)

	for {
		select {
		case p := <-sub.progress:
			if err := writeProgress(w, p); err != nil {
				return err
			}
		case <-sub.pageEnd:
			return drainProgress(w, sub)
		case <-a.done:
			return drainProgress(w, sub)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainProgress writes fractions that were queued before the page ended.
func drainProgress(w io.Writer, sub *subscriber) error {
	for {
		select {
		case p := <-sub.progress:
			if err := writeProgress(w, p); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func writeProgress(w io.Writer, p float64) error {
	if _, err := io.WriteString(w, strconv.FormatFloat(p, 'f', -1, 64)+"\n"); err != nil {
		return err
	}
	return flush(w)
}

func flush(w io.Writer) error {
	switch f := w.(type) {
	case http.Flusher:
		f.Flush()
	case interface{ Flush() error }:
		return f.Flush()
	}
	return nil
}

func (a *Adapter) subscribe() *subscriber {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completed {
		return nil
	}
	sub := &subscriber{
		progress: make(chan float64, 16),
		pageEnd:  make(chan struct{}),
	}
	a.subscribers[sub] = struct{}{}
	return sub
}

func (a *Adapter) unsubscribe(sub *subscriber) {
	a.mu.Lock()
	delete(a.subscribers, sub)
	a.mu.Unlock()
}

// Cancel stops the capture and emits CancelJob. It does nothing once the
// job has completed or a cancel is already under way.
func (a *Adapter) Cancel() {
	a.mu.Lock()
	if a.completed || a.cancelling {
		a.mu.Unlock()
		return
	}
	a.cancelling = true
	a.hasError = true
	a.state = StateCancelling
	a.outbox = append(a.outbox, escl.CancelJob)
	sess := a.session
	a.mu.Unlock()

	a.flush()
	if sess != nil {
		sess.Cancel()
	}
}

// Done is closed once the job has completed. Transitions queued by then
// have been delivered if a callback is registered.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Succeeded reports the completion result. It is false until Done is closed.
func (a *Adapter) Succeeded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed && a.succeeded
}

// Err returns the first capture error, if any.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Finished reports whether the page sequence has been fully consumed or
// the job can no longer produce pages.
func (a *Adapter) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exhausted || a.cancelling
}

// PagesCompleted is the number of pages handed out so far.
func (a *Adapter) PagesCompleted() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages
}

// Progress is the fraction of the page currently being captured.
func (a *Adapter) Progress() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress
}

// Settings returns the negotiated settings.
func (a *Adapter) Settings() escl.ScanSettings { return a.settings }

// Format returns the MIME type WriteDocumentTo produces.
func (a *Adapter) Format() string { return a.format }

// Options returns the capture options derived from the settings.
func (a *Adapter) Options() capture.Options { return a.options }
