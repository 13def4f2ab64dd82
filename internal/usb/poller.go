package usb

import (
	"context"
	"log/slog"
)

// Poller lists attached IPP-USB devices.
type Poller struct {
	Backend Backend
}

// NewPoller returns a poller over the libusb backend.
func NewPoller() *Poller {
	return &Poller{Backend: LibUSB{}}
}

// Poll enumerates attached devices with an IPP-USB interface. A fresh
// context is used per call. Poll never fails; devices that cannot be
// inspected are left out and logged at debug.
func (p *Poller) Poll(ctx context.Context) []Descriptor {
	return p.Refresh(ctx, nil)
}

// Refresh is Poll for a caller that already holds some devices open.
// A listed device matching a known descriptor by bus, address, vendor
// and product is reported as known without being opened again.
func (p *Poller) Refresh(ctx context.Context, known []Descriptor) []Descriptor {
	uctx, err := p.Backend.NewContext()
	if err != nil {
		slog.Debug("usb context failed", "err", err)
		return nil
	}
	defer func() {
		if err := uctx.Close(); err != nil {
			slog.Debug("usb context close failed", "err", err)
		}
	}()

	descs, err := uctx.List()
	if err != nil {
		// Enumeration may still return what it found before failing.
		slog.Debug("usb enumeration failed", "err", err)
	}

	var out []Descriptor
	for _, d := range descs {
		if ctx.Err() != nil {
			break
		}
		if len(d.ippInterfaces()) == 0 {
			continue
		}
		if k, ok := findKnown(known, d); ok {
			out = append(out, k)
			continue
		}
		dev, err := uctx.Open(d)
		if err != nil {
			slog.Debug("usb open failed", "bus", d.Bus, "address", d.Address, "err", err)
			continue
		}
		out = append(out, describe(d, dev))
		if err := dev.Close(); err != nil {
			slog.Debug("usb close failed", "bus", d.Bus, "address", d.Address, "err", err)
		}
	}
	return out
}

func findKnown(known []Descriptor, d DeviceDesc) (Descriptor, bool) {
	for _, k := range known {
		if k.Bus == d.Bus && k.Address == d.Address && k.VendorID == d.Vendor && k.ProductID == d.Product {
			return k, true
		}
	}
	return Descriptor{}, false
}

func describe(d DeviceDesc, dev Device) Descriptor {
	desc := Descriptor{
		VendorID:  d.Vendor,
		ProductID: d.Product,
		Bus:       d.Bus,
		Address:   d.Address,
	}
	var err error
	if desc.Manufacturer, err = dev.Manufacturer(); err != nil {
		slog.Debug("usb manufacturer string", "device", desc.ID(), "err", err)
	}
	if desc.Product, err = dev.Product(); err != nil {
		slog.Debug("usb product string", "device", desc.ID(), "err", err)
	}
	if desc.Serial, err = dev.SerialNumber(); err != nil {
		slog.Debug("usb serial string", "device", desc.ID(), "err", err)
	}
	return desc
}
