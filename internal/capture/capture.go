// Package capture defines the contract between scan-capture drivers and
// the eSCL job machinery.
//
// A Driver starts a Session that yields pages one at a time. While the
// session runs, the driver reports progress on an event channel supplied
// by the caller. The last event a driver sends is always ScanEnd.
package capture

import (
	"context"
	"errors"
	"image"

	"github.com/OpenPrinting/go-mfp/abstract"

	"github.com/mzyy94/esclbridge/internal/escl"
)

// ErrCanceled is reported by sessions that were stopped with Cancel.
var ErrCanceled = errors.New("capture: scan canceled")

// Device identifies a scanner within a driver.
type Device struct {
	ID   string
	Name string
}

// BitDepth selects the pixel format of captured pages.
type BitDepth int

const (
	BitDepthColor BitDepth = iota
	BitDepthGrayscale
	BitDepthBlackWhite
)

func (b BitDepth) String() string {
	switch b {
	case BitDepthGrayscale:
		return "grayscale"
	case BitDepthBlackWhite:
		return "blackwhite"
	}
	return "color"
}

// Source selects the paper source.
type Source int

const (
	SourcePlaten Source = iota
	SourceFeeder
	SourceDuplexFeeder
)

func (s Source) String() string {
	switch s {
	case SourceFeeder:
		return "feeder"
	case SourceDuplexFeeder:
		return "duplex"
	}
	return "platen"
}

// PageSize is a physical page size.
type PageSize struct {
	Width  abstract.Dimension
	Height abstract.Dimension
}

// Options are the driver-level settings for one scan.
type Options struct {
	Resolution int
	BitDepth   BitDepth
	Source     Source
	// PageSize is nil when the device default applies.
	PageSize *PageSize
	XOffset  abstract.Dimension
	YOffset  abstract.Dimension

	Brightness *int
	Contrast   *int
	Threshold  *int
}

// Page is one captured page. Either Image or Data is set; Data carries
// an already encoded image whose MIME type is Format.
type Page struct {
	Image  image.Image
	Data   []byte
	Format string
}

// Encoded reports whether the page holds pre-encoded bytes.
func (p *Page) Encoded() bool { return len(p.Data) > 0 }

// EventKind discriminates Event.
type EventKind int

const (
	PageProgress EventKind = iota
	PageEnd
	ScanEnd
	ScanError
)

func (k EventKind) String() string {
	switch k {
	case PageProgress:
		return "PageProgress"
	case PageEnd:
		return "PageEnd"
	case ScanEnd:
		return "ScanEnd"
	case ScanError:
		return "ScanError"
	}
	return "EventKind(?)"
}

// Event is a capture signal. Page is 1-based; Progress is in [0,1].
type Event struct {
	Kind     EventKind
	Page     int
	Progress float64
	Err      error
}

// Session is a running scan.
type Session interface {
	// NextPage blocks until the next page is captured. It returns io.EOF
	// after the last page.
	NextPage(ctx context.Context) (*Page, error)
	// Cancel stops the scan. It is safe to call more than once.
	Cancel()
}

// Driver starts scans on the devices it owns. Scan must not block on
// events: the caller drains the channel until ScanEnd.
type Driver interface {
	Name() string
	Scan(ctx context.Context, dev Device, opts Options, events chan<- Event) (Session, error)
}

// CapabilityProvider is implemented by drivers that can describe a
// device's real capabilities.
type CapabilityProvider interface {
	Capabilities(ctx context.Context, dev Device) (*escl.Capabilities, error)
}

// StatusProvider is implemented by drivers that can report feeder state.
type StatusProvider interface {
	AdfState(ctx context.Context, dev Device) (escl.AdfState, error)
}

// FromThreeHundredths converts 1/300 inch to a physical dimension.
func FromThreeHundredths(v int) abstract.Dimension {
	return abstract.Dimension(v * 2540 / 300)
}

// ToThreeHundredths converts a physical dimension to 1/300 inch.
func ToThreeHundredths(d abstract.Dimension) int {
	return int(d) * 300 / 2540
}
