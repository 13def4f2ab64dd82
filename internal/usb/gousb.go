package usb

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/gousb"
)

// ErrNotFound is returned when a device is no longer attached.
var ErrNotFound = errors.New("usb: device not found")

// LibUSB is the libusb backend.
type LibUSB struct {
	// Debug is the libusb log level, 0 to 4.
	Debug int
}

func (b LibUSB) NewContext() (Context, error) {
	c := gousb.NewContext()
	if b.Debug > 0 {
		c.Debug(b.Debug)
	}
	return &libusbContext{ctx: c}, nil
}

type libusbContext struct {
	ctx *gousb.Context
}

func (c *libusbContext) List() ([]DeviceDesc, error) {
	var out []DeviceDesc
	// The opener only collects descriptors; nothing is opened here.
	_, err := c.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		out = append(out, convertDesc(d))
		return false
	})
	return out, err
}

func (c *libusbContext) Open(desc DeviceDesc) (Device, error) {
	devs, err := c.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Bus == desc.Bus && d.Address == desc.Address
	})
	if len(devs) == 0 {
		if err == nil {
			err = ErrNotFound
		}
		return nil, fmt.Errorf("usb: open %d.%d: %w", desc.Bus, desc.Address, err)
	}
	for _, extra := range devs[1:] {
		extra.Close()
	}
	dev := devs[0]
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, fmt.Errorf("usb: auto detach: %w", err)
	}
	return &libusbDevice{dev: dev}, nil
}

func (c *libusbContext) Close() error { return c.ctx.Close() }

// convertDesc flattens the lowest numbered configuration. The active
// one is only known once the device is open and is nearly always it.
func convertDesc(d *gousb.DeviceDesc) DeviceDesc {
	out := DeviceDesc{
		Bus:     d.Bus,
		Address: d.Address,
		Vendor:  uint16(d.Vendor),
		Product: uint16(d.Product),
	}
	nums := make([]int, 0, len(d.Configs))
	for n := range d.Configs {
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return out
	}
	slices.Sort(nums)
	out.Config = nums[0]
	for _, intf := range d.Configs[out.Config].Interfaces {
		for _, alt := range intf.AltSettings {
			in := InterfaceDesc{
				Number:    alt.Number,
				Alternate: alt.Alternate,
				Class:     uint8(alt.Class),
				SubClass:  uint8(alt.SubClass),
				Protocol:  uint8(alt.Protocol),
			}
			for _, ep := range alt.Endpoints {
				in.Endpoints = append(in.Endpoints, EndpointDesc{
					Address:       uint8(ep.Address),
					TransferType:  uint8(ep.TransferType),
					MaxPacketSize: ep.MaxPacketSize,
				})
			}
			slices.SortFunc(in.Endpoints, func(a, b EndpointDesc) int { return int(a.Address) - int(b.Address) })
			out.Interfaces = append(out.Interfaces, in)
		}
	}
	return out
}

type libusbDevice struct {
	dev *gousb.Device
	cfg *gousb.Config
}

func (d *libusbDevice) Manufacturer() (string, error) { return d.dev.Manufacturer() }
func (d *libusbDevice) Product() (string, error)      { return d.dev.Product() }
func (d *libusbDevice) SerialNumber() (string, error) { return d.dev.SerialNumber() }

func (d *libusbDevice) Claim(config int, iface InterfaceDesc) (Interface, error) {
	if d.cfg == nil {
		if active, err := d.dev.ActiveConfigNum(); err == nil && active > 0 {
			config = active
		}
		cfg, err := d.dev.Config(config)
		if err != nil {
			return nil, fmt.Errorf("usb: config %d: %w", config, err)
		}
		d.cfg = cfg
	}
	intf, err := d.cfg.Interface(iface.Number, iface.Alternate)
	if err != nil {
		return nil, fmt.Errorf("usb: claim interface %d alt %d: %w", iface.Number, iface.Alternate, err)
	}
	return &libusbInterface{intf: intf}, nil
}

func (d *libusbDevice) Close() error {
	var errs []error
	if d.cfg != nil {
		errs = append(errs, d.cfg.Close())
		d.cfg = nil
	}
	errs = append(errs, d.dev.Close())
	return errors.Join(errs...)
}

type libusbInterface struct {
	intf *gousb.Interface
}

func (i *libusbInterface) OutEndpoint(addr uint8) (OutEndpoint, error) {
	ep, err := i.intf.OutEndpoint(int(addr & 0x0f))
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func (i *libusbInterface) InEndpoint(addr uint8) (InEndpoint, error) {
	ep, err := i.intf.InEndpoint(int(addr & 0x0f))
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func (i *libusbInterface) Close() { i.intf.Close() }
