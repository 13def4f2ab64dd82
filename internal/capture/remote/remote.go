// Package remote is a capture driver that scans from eSCL scanners
// through escl.Client, either on the network or behind a USB tunnel.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"sync"
	"time"

	"github.com/mzyy94/esclbridge/internal/capture"
	"github.com/mzyy94/esclbridge/internal/escl"
)

// DriverName is the name reported by Driver.Name.
const DriverName = "escl"

// ErrUnknownDevice is returned for devices that were never added.
var ErrUnknownDevice = errors.New("remote: unknown device")

// cancelTimeout bounds the DELETE sent when a session is cancelled.
const cancelTimeout = 5 * time.Second

// Driver scans from the eSCL clients it has been given.
type Driver struct {
	mu      sync.RWMutex
	clients map[string]*escl.Client
}

// New returns an empty driver.
func New() *Driver {
	return &Driver{clients: make(map[string]*escl.Client)}
}

// Add makes a scanner available under id.
func (d *Driver) Add(id string, c *escl.Client) {
	d.mu.Lock()
	d.clients[id] = c
	d.mu.Unlock()
}

// Remove forgets id.
func (d *Driver) Remove(id string) {
	d.mu.Lock()
	delete(d.clients, id)
	d.mu.Unlock()
}

func (d *Driver) Name() string { return DriverName }

func (d *Driver) client(dev capture.Device) (*escl.Client, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clients[dev.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, dev.ID)
	}
	return c, nil
}

// Capabilities fetches the remote scanner's capabilities.
func (d *Driver) Capabilities(ctx context.Context, dev capture.Device) (*escl.Capabilities, error) {
	c, err := d.client(dev)
	if err != nil {
		return nil, err
	}
	return c.Capabilities(ctx)
}

// AdfState fetches the remote feeder state.
func (d *Driver) AdfState(ctx context.Context, dev capture.Device) (escl.AdfState, error) {
	c, err := d.client(dev)
	if err != nil {
		return escl.AdfStateUnknown, err
	}
	st, err := c.Status(ctx)
	if err != nil {
		return escl.AdfStateUnknown, err
	}
	return st.AdfState, nil
}

// Scan creates a job on the remote scanner. Pages are fetched as JPEG and
// passed through without re-encoding.
func (d *Driver) Scan(ctx context.Context, dev capture.Device, opts capture.Options, events chan<- capture.Event) (capture.Session, error) {
	c, err := d.client(dev)
	if err != nil {
		return nil, err
	}
	jobURL, err := c.CreateJob(ctx, Settings(opts))
	if err != nil {
		return nil, err
	}
	slog.Debug("remote job created", "device", dev.ID, "job", jobURL)
	return &session{client: c, jobURL: jobURL, events: events, stop: make(chan struct{})}, nil
}

// Settings maps capture options back onto eSCL settings.
func Settings(opts capture.Options) *escl.ScanSettings {
	s := &escl.ScanSettings{
		Version:        escl.DefaultVersion,
		DocumentFormat: "image/jpeg",
		XResolution:    opts.Resolution,
		YResolution:    opts.Resolution,
		Brightness:     opts.Brightness,
		Contrast:       opts.Contrast,
		Threshold:      opts.Threshold,
	}
	switch opts.BitDepth {
	case capture.BitDepthBlackWhite:
		s.ColorMode = escl.ColorModeBlackAndWhite1
	case capture.BitDepthGrayscale:
		s.ColorMode = escl.ColorModeGrayscale8
	default:
		s.ColorMode = escl.ColorModeRGB24
	}
	switch opts.Source {
	case capture.SourceFeeder:
		s.InputSource = escl.InputSourceFeeder
	case capture.SourceDuplexFeeder:
		s.InputSource = escl.InputSourceFeeder
		s.Duplex = true
	default:
		s.InputSource = escl.InputSourcePlaten
	}
	if opts.PageSize != nil {
		s.Region = escl.Region{
			Width:   capture.ToThreeHundredths(opts.PageSize.Width),
			Height:  capture.ToThreeHundredths(opts.PageSize.Height),
			XOffset: capture.ToThreeHundredths(opts.XOffset),
			YOffset: capture.ToThreeHundredths(opts.YOffset),
		}
	}
	return s
}

type session struct {
	client *escl.Client
	jobURL string
	events chan<- capture.Event

	stopOnce sync.Once
	stop     chan struct{}

	mu    sync.Mutex
	page  int
	ended bool
}

func (s *session) NextPage(ctx context.Context) (*capture.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, io.EOF
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.events <- capture.Event{Kind: capture.PageProgress, Page: s.page + 1}
	doc, err := s.client.NextDocument(ctx, s.jobURL)
	switch {
	case errors.Is(err, io.EOF):
		s.finish(nil)
		return nil, io.EOF
	case s.stopped():
		s.finish(nil)
		return nil, capture.ErrCanceled
	case err != nil:
		s.finish(err)
		return nil, err
	}

	s.page++
	format := "image/jpeg"
	if mt, _, perr := mime.ParseMediaType(doc.ContentType); perr == nil {
		format = mt
	}
	s.events <- capture.Event{Kind: capture.PageProgress, Page: s.page, Progress: 1}
	s.events <- capture.Event{Kind: capture.PageEnd, Page: s.page, Progress: 1}
	return &capture.Page{Data: doc.Data, Format: format}, nil
}

func (s *session) Cancel() {
	first := false
	s.stopOnce.Do(func() {
		close(s.stop)
		first = true
	})
	if !first {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := s.client.CancelJob(ctx, s.jobURL); err != nil {
		slog.Warn("remote cancel failed", "job", s.jobURL, "err", err)
	}

	if s.mu.TryLock() {
		s.finish(nil)
		s.mu.Unlock()
		return
	}
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
		s.events <- capture.Event{Kind: capture.ScanError, Page: s.page, Err: err}
	}
	s.events <- capture.Event{Kind: capture.ScanEnd, Page: s.page}
}
