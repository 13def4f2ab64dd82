// Package usb finds IPP-USB scanners and relays HTTP between a loopback
// TCP socket and their bulk endpoints.
package usb

import (
	"context"
	"fmt"
)

// IPP-USB interface signature and bulk transfer type.
const (
	ClassPrinter     = 0x07
	SubClassPrinter  = 0x01
	ProtocolIPPUSB   = 0x04
	TransferTypeBulk = 0x02

	endpointDirIn = 0x80
)

// Descriptor identifies an attached IPP-USB device. It is not changed
// after discovery.
type Descriptor struct {
	VendorID     uint16 `json:"vendorId"`
	ProductID    uint16 `json:"productId"`
	Serial       string `json:"serial,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
	Bus          int    `json:"bus"`
	Address      int    `json:"address"`
}

// ID is stable across reconnects when the device reports a serial.
func (d Descriptor) ID() string {
	if d.Serial != "" {
		return fmt.Sprintf("%04x:%04x:%s", d.VendorID, d.ProductID, d.Serial)
	}
	return fmt.Sprintf("%04x:%04x@%d.%d", d.VendorID, d.ProductID, d.Bus, d.Address)
}

// Name is a human readable device name.
func (d Descriptor) Name() string {
	switch {
	case d.Manufacturer != "" && d.Product != "":
		return d.Manufacturer + " " + d.Product
	case d.Product != "":
		return d.Product
	}
	return fmt.Sprintf("USB %04x:%04x", d.VendorID, d.ProductID)
}

// DeviceDesc is the enumeration-time view of a device.
type DeviceDesc struct {
	Bus        int
	Address    int
	Vendor     uint16
	Product    uint16
	Config     int
	Interfaces []InterfaceDesc
}

// InterfaceDesc is one alternate setting of an interface.
type InterfaceDesc struct {
	Number    int
	Alternate int
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Endpoints []EndpointDesc
}

// IPPUSB reports whether the setting carries IPP over USB.
func (i InterfaceDesc) IPPUSB() bool {
	return i.Class == ClassPrinter && i.SubClass == SubClassPrinter && i.Protocol == ProtocolIPPUSB
}

// EndpointDesc describes an endpoint. Bit 7 of Address is the direction.
type EndpointDesc struct {
	Address       uint8
	TransferType  uint8
	MaxPacketSize int
}

func (e EndpointDesc) In() bool   { return e.Address&endpointDirIn != 0 }
func (e EndpointDesc) Bulk() bool { return e.TransferType == TransferTypeBulk }

// ippInterfaces returns the IPP-USB settings of a device.
func (d DeviceDesc) ippInterfaces() []InterfaceDesc {
	var out []InterfaceDesc
	for _, i := range d.Interfaces {
		if i.IPPUSB() {
			out = append(out, i)
		}
	}
	return out
}

// Backend creates enumeration contexts.
type Backend interface {
	NewContext() (Context, error)
}

// Context enumerates and opens devices.
type Context interface {
	List() ([]DeviceDesc, error)
	Open(desc DeviceDesc) (Device, error)
	Close() error
}

// Device is an opened USB device.
type Device interface {
	Manufacturer() (string, error)
	Product() (string, error)
	SerialNumber() (string, error)
	// Claim claims an interface and selects its alternate setting.
	Claim(config int, iface InterfaceDesc) (Interface, error)
	Close() error
}

// Interface is a claimed interface.
type Interface interface {
	OutEndpoint(addr uint8) (OutEndpoint, error)
	InEndpoint(addr uint8) (InEndpoint, error)
	Close()
}

type OutEndpoint interface {
	WriteContext(ctx context.Context, p []byte) (int, error)
}

type InEndpoint interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
}
