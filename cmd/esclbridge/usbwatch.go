package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/mzyy94/esclbridge/internal/capture"
	"github.com/mzyy94/esclbridge/internal/capture/remote"
	"github.com/mzyy94/esclbridge/internal/escl"
	"github.com/mzyy94/esclbridge/internal/registry"
	"github.com/mzyy94/esclbridge/internal/usb"
)

type tunnel interface {
	Client() (*escl.Client, error)
	Descriptor() usb.Descriptor
	Close() error
}

// usbWatcher publishes attached IPP-USB scanners through the escl driver
// and withdraws them when they disappear.
type usbWatcher struct {
	registry *registry.Registry
	remote   *remote.Driver
	interval time.Duration
	// poll lists attached devices, reporting those in known without
	// reopening them.
	poll func(ctx context.Context, known []usb.Descriptor) []usb.Descriptor
	open func(ctx context.Context, desc usb.Descriptor) (tunnel, error)

	tunnels map[string]tunnel
}

func newUSBWatcher(reg *registry.Registry, drv *remote.Driver, interval time.Duration) *usbWatcher {
	poller := usb.NewPoller()
	return &usbWatcher{
		registry: reg,
		remote:   drv,
		interval: interval,
		poll:     poller.Refresh,
		open: func(ctx context.Context, desc usb.Descriptor) (tunnel, error) {
			t, err := usb.OpenTunnel(ctx, poller.Backend, desc, usb.Options{})
			if err != nil {
				return nil, err
			}
			return t, nil
		},
		tunnels: make(map[string]tunnel),
	}
}

// run syncs until ctx is done, then closes every tunnel.
func (w *usbWatcher) run(ctx context.Context) {
	defer w.closeAll()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.sync(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *usbWatcher) sync(ctx context.Context) {
	known := make([]usb.Descriptor, 0, len(w.tunnels))
	for _, t := range w.tunnels {
		known = append(known, t.Descriptor())
	}
	seen := make(map[string]bool)
	for _, desc := range w.poll(ctx, known) {
		id := desc.ID()
		seen[id] = true
		if _, ok := w.tunnels[id]; ok {
			continue
		}
		if err := w.publish(ctx, desc); err != nil {
			slog.Warn("usb scanner publish failed", "device", id, "err", err)
		}
	}
	for id := range w.tunnels {
		if !seen[id] {
			w.withdraw(ctx, id)
		}
	}
}

func (w *usbWatcher) publish(ctx context.Context, desc usb.Descriptor) error {
	id := desc.ID()
	t, err := w.open(ctx, desc)
	if err != nil {
		return err
	}
	c, err := t.Client()
	if err != nil {
		_ = t.Close()
		return err
	}
	w.remote.Add(id, c)
	w.tunnels[id] = t
	if _, err := w.registry.RegisterDevice(ctx, w.remote, capture.Device{ID: id, Name: desc.Name()}, ""); err != nil {
		// Registered but not served; the next sync leaves it as is.
		return err
	}
	slog.Info("usb scanner published", "device", id, "name", desc.Name())
	return nil
}

func (w *usbWatcher) withdraw(ctx context.Context, id string) {
	if err := w.registry.UnregisterDevice(ctx, remote.DriverName, id); err != nil {
		slog.Warn("usb scanner withdraw failed", "device", id, "err", err)
	}
	w.remote.Remove(id)
	if err := w.tunnels[id].Close(); err != nil {
		slog.Debug("usb tunnel close failed", "device", id, "err", err)
	}
	delete(w.tunnels, id)
	slog.Info("usb scanner removed", "device", id)
}

func (w *usbWatcher) closeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for id := range w.tunnels {
		w.withdraw(ctx, id)
	}
}
