// Package registry tracks the devices advertised over eSCL and drives
// the protocol engine's lifecycle.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/mzyy94/esclbridge/internal/capture"
	"github.com/mzyy94/esclbridge/internal/escl"
	"github.com/mzyy94/esclbridge/internal/job"
)

// Errors returned by Registry.
var (
	ErrAlreadyStarted = errors.New("registry: already started")
	ErrNotStarted     = errors.New("registry: not started")
	ErrNotRegistered  = errors.New("registry: device not registered")
)

// uuidPrefix scopes device UUIDs to this program.
const uuidPrefix = "esclbridge."

// Engine serves registered devices over the network.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	AddDevice(ctx context.Context, d *Descriptor) error
	RemoveDevice(ctx context.Context, d *Descriptor) error
}

// Key identifies a device across drivers.
type Key struct {
	Driver string
	Device string
}

func (k Key) String() string { return k.Driver + "/" + k.Device }

// Descriptor is an advertised device. It is immutable once registered.
type Descriptor struct {
	Key          Key
	UUID         uuid.UUID
	Name         string
	Capabilities *escl.Capabilities

	driver capture.Driver
	device capture.Device
}

// Driver returns the capture driver serving the device.
func (d *Descriptor) Driver() capture.Driver { return d.driver }

// Device returns the driver-level device handle.
func (d *Descriptor) Device() capture.Device { return d.device }

// CreateJob starts a new scan job on the device.
func (d *Descriptor) CreateJob(ctx context.Context, settings escl.ScanSettings, opts job.Options) (*job.Adapter, error) {
	return job.New(ctx, d.driver, d.device, settings, opts)
}

// UUIDName is the name hashed into a device's version 5 UUID.
func UUIDName(driver, device string) string {
	return uuidPrefix + driver + "\x00" + device
}

// DeviceUUID derives the stable UUID of a device from its driver name
// and device id.
func DeviceUUID(driver, device string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(UUIDName(driver, device)))
}

// DefaultCapabilities is advertised for drivers that cannot describe
// their devices. Platen and both feeder modes share one input caps.
func DefaultCapabilities() *escl.Capabilities {
	in := &escl.InputCaps{
		MinWidth:  16,
		MaxWidth:  2550,
		MinHeight: 16,
		MaxHeight: 3508,
		SettingProfiles: []escl.SettingProfile{{
			ColorModes: []escl.ColorMode{
				escl.ColorModeRGB24,
				escl.ColorModeGrayscale8,
				escl.ColorModeBlackAndWhite1,
			},
			DocumentFormats: []string{"application/pdf", "image/jpeg"},
			ResolutionRange: &escl.ResolutionRange{
				X: escl.Range{Min: 100, Max: 4800, Normal: 300, Step: 300},
				Y: escl.Range{Min: 100, Max: 4800, Normal: 300, Step: 300},
			},
		}},
	}
	return &escl.Capabilities{
		Version:    escl.DefaultVersion,
		Platen:     in,
		AdfSimplex: in,
		AdfDuplex:  in,
	}
}

// Registry owns the (driver, device) to descriptor mapping. A single
// mutex guards the map and serializes every call into the engine.
type Registry struct {
	mu      sync.Mutex
	engine  Engine
	devices map[Key]*Descriptor
	started bool
}

// New returns a registry that publishes to engine.
func New(engine Engine) *Registry {
	return &Registry{engine: engine, devices: make(map[Key]*Descriptor)}
}

// RegisterDevice advertises dev under name. Capabilities come from the
// driver when it implements capture.CapabilityProvider, otherwise the
// default profile is used. Registering a known key replaces the entry.
func (r *Registry) RegisterDevice(ctx context.Context, drv capture.Driver, dev capture.Device, name string) (*Descriptor, error) {
	key := Key{Driver: drv.Name(), Device: dev.ID}
	id := DeviceUUID(key.Driver, key.Device)
	if name == "" {
		name = dev.Name
	}
	if name == "" {
		name = key.String()
	}

	caps := DefaultCapabilities()
	if p, ok := drv.(capture.CapabilityProvider); ok {
		c, err := p.Capabilities(ctx, dev)
		switch {
		case err != nil:
			slog.Warn("device capabilities unavailable, using defaults", "device", key, "err", err)
		case c != nil:
			caps = c
		}
	}
	caps.UUID = id.String()
	if caps.MakeAndModel == "" {
		caps.MakeAndModel = name
	}
	if caps.Version == "" {
		caps.Version = escl.DefaultVersion
	}

	d := &Descriptor{
		Key:          key,
		UUID:         id,
		Name:         name,
		Capabilities: caps,
		driver:       drv,
		device:       dev,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.devices[key]; ok && r.started {
		if err := r.engine.RemoveDevice(ctx, old); err != nil {
			slog.Warn("replace device: remove failed", "device", key, "err", err)
		}
	}
	r.devices[key] = d
	if r.started {
		if err := r.engine.AddDevice(ctx, d); err != nil {
			return d, fmt.Errorf("registry: publish %s: %w", key, err)
		}
	}
	slog.Info("device registered", "device", key, "name", name, "uuid", id)
	return d, nil
}

// UnregisterDevice removes a device and withdraws it from the engine.
func (r *Registry) UnregisterDevice(ctx context.Context, driver, device string) error {
	key := Key{Driver: driver, Device: device}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	delete(r.devices, key)
	if r.started {
		if err := r.engine.RemoveDevice(ctx, d); err != nil {
			return fmt.Errorf("registry: withdraw %s: %w", key, err)
		}
	}
	slog.Info("device unregistered", "device", key)
	return nil
}

// Start starts the engine and publishes every registered device.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	if err := r.engine.Start(ctx); err != nil {
		return fmt.Errorf("registry: start engine: %w", err)
	}
	r.started = true
	for _, d := range r.sorted() {
		if err := r.engine.AddDevice(ctx, d); err != nil {
			slog.Error("publish device failed", "device", d.Key, "err", err)
		}
	}
	return nil
}

// Stop stops the engine. Registered devices are kept for the next Start.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return ErrNotStarted
	}
	r.started = false
	if err := r.engine.Stop(ctx); err != nil {
		return fmt.Errorf("registry: stop engine: %w", err)
	}
	return nil
}

// Started reports whether the engine is running.
func (r *Registry) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Devices returns the registered devices ordered by name.
func (r *Registry) Devices() []*Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted()
}

// Lookup finds a device by its UUID string.
func (r *Registry) Lookup(id string) (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.UUID.String() == id {
			return d, true
		}
	}
	return nil, false
}

func (r *Registry) sorted() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *Descriptor) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Key.String(), b.Key.String()))
	})
	return out
}
