// Package testpattern is a capture driver that produces generated pages.
// It backs demo devices and the job tests.
package testpattern

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/OpenPrinting/go-mfp/abstract"

	"github.com/mzyy94/esclbridge/internal/capture"
	"github.com/mzyy94/esclbridge/internal/escl"
)

// DriverName is the name reported by Driver.Name.
const DriverName = "testpattern"

// ErrInjected is the page error produced when FailAt is reached.
var ErrInjected = errors.New("testpattern: injected page failure")

const progressSteps = 4

// Driver generates Pages pages per scan.
type Driver struct {
	Pages int
	// Delay is spent before each progress step.
	Delay time.Duration
	// FailAt makes the given 1-based page fail. Zero disables.
	FailAt int
	// ScanErr is returned from Scan itself when set.
	ScanErr error
	// MaxEdge bounds the longer side of generated images in pixels.
	MaxEdge int
}

// New returns a driver that produces pages pages per scan.
func New(pages int) *Driver {
	return &Driver{Pages: pages, MaxEdge: 1024}
}

func (d *Driver) Name() string { return DriverName }

// Scan starts a generated scan.
func (d *Driver) Scan(ctx context.Context, dev capture.Device, opts capture.Options, events chan<- capture.Event) (capture.Session, error) {
	if d.ScanErr != nil {
		return nil, d.ScanErr
	}
	slog.Debug("testpattern scan", "device", dev.ID, "pages", d.Pages, "source", opts.Source, "depth", opts.BitDepth)
	return &session{
		drv:    d,
		opts:   opts,
		events: events,
		stop:   make(chan struct{}),
	}, nil
}

// AdfState reports a loaded feeder while the driver has pages to give.
func (d *Driver) AdfState(context.Context, capture.Device) (escl.AdfState, error) {
	if d.Pages > 0 {
		return escl.AdfStateLoaded, nil
	}
	return escl.AdfStateEmpty, nil
}

type session struct {
	drv    *Driver
	opts   capture.Options
	events chan<- capture.Event

	stopOnce sync.Once
	stop     chan struct{}

	mu    sync.Mutex
	next  int
	ended bool
}

func (s *session) NextPage(ctx context.Context) (*capture.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return nil, io.EOF
	}
	if s.stopped() {
		s.finish(nil)
		return nil, capture.ErrCanceled
	}
	if s.next >= s.drv.Pages {
		s.finish(nil)
		return nil, io.EOF
	}
	s.next++
	page := s.next

	for step := 1; step <= progressSteps; step++ {
		if s.drv.Delay > 0 {
			select {
			case <-time.After(s.drv.Delay):
			case <-s.stop:
				s.finish(nil)
				return nil, capture.ErrCanceled
			case <-ctx.Done():
				s.finish(ctx.Err())
				return nil, ctx.Err()
			}
		}
		if page == s.drv.FailAt && step == progressSteps/2 {
			err := fmt.Errorf("page %d: %w", page, ErrInjected)
			s.finish(err)
			return nil, err
		}
		s.events <- capture.Event{Kind: capture.PageProgress, Page: page, Progress: float64(step) / progressSteps}
	}

	img := render(page, s.opts, s.drv.MaxEdge)
	s.events <- capture.Event{Kind: capture.PageEnd, Page: page, Progress: 1}
	return &capture.Page{Image: img}, nil
}

func (s *session) Cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.mu.TryLock() {
		s.finish(nil)
		s.mu.Unlock()
		return
	}
	// A page is in flight; finish once it is handed out.
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.finish(nil)
	}()
}

func (s *session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// finish sends the terminal events once. Callers hold mu.
func (s *session) finish(err error) {
	if s.ended {
		return
	}
	s.ended = true
	if err != nil {
		s.events <- capture.Event{Kind: capture.ScanError, Page: s.next, Err: err}
	}
	s.events <- capture.Event{Kind: capture.ScanEnd, Page: s.next}
}

// render draws a gradient with a band per page number, sized to the
// requested page at the requested resolution and clamped to maxEdge.
func render(page int, opts capture.Options, maxEdge int) image.Image {
	size := capture.PageSize{Width: 210 * abstract.Millimeter, Height: 297 * abstract.Millimeter}
	if opts.PageSize != nil {
		size = *opts.PageSize
	}
	res := opts.Resolution
	if res <= 0 {
		res = 300
	}
	w := int(size.Width) * res / 2540
	h := int(size.Height) * res / 2540
	if maxEdge > 0 && max(w, h) > maxEdge {
		scale := float64(maxEdge) / float64(max(w, h))
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
	}
	w, h = max(w, 8), max(h, 8)

	threshold := 128
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	band := h / 10 * ((page-1)%8 + 1)

	rect := image.Rect(0, 0, w, h)
	switch opts.BitDepth {
	case capture.BitDepthGrayscale, capture.BitDepthBlackWhite:
		img := image.NewGray(rect)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := uint8((x + y) * 255 / (w + h))
				if y >= band && y < band+h/20 {
					v = 0
				}
				if opts.BitDepth == capture.BitDepthBlackWhite {
					if int(v) < threshold {
						v = 0
					} else {
						v = 255
					}
				}
				img.SetGray(x, y, color.Gray{Y: v})
			}
		}
		return img
	default:
		img := image.NewRGBA(rect)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: uint8(page * 40), A: 255}
				if y >= band && y < band+h/20 {
					c = color.RGBA{A: 255}
				}
				img.SetRGBA(x, y, c)
			}
		}
		return img
	}
}
