package usb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_Poll(t *testing.T) {
	uctx := &fakeContext{
		devices: []DeviceDesc{
			{Bus: 1, Address: 2, Vendor: 0x03f0, Product: 0x0001, Interfaces: []InterfaceDesc{printerInterface(0), ippInterface(1)}},
			{Bus: 1, Address: 3, Vendor: 0x046d, Product: 0x0002, Interfaces: []InterfaceDesc{printerInterface(0)}},
			{Bus: 1, Address: 5, Vendor: 0x04b8, Product: 0x0003, Interfaces: []InterfaceDesc{ippInterface(0)}},
		},
		openErr: map[int]error{5: errors.New("LIBUSB_ERROR_ACCESS")},
	}
	p := &Poller{Backend: &fakeBackend{ctx: uctx}}

	got := p.Poll(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, Descriptor{
		VendorID:     0x03f0,
		ProductID:    0x0001,
		Manufacturer: "ACME",
		Product:      "Scan 1",
		Bus:          1,
		Address:      2,
	}, got[0])
	assert.Equal(t, 1, uctx.closeCount())

	// Each poll uses a fresh context.
	p.Poll(context.Background())
	assert.Equal(t, 2, uctx.closeCount())
}

func TestPoller_RefreshSkipsKnown(t *testing.T) {
	uctx := &fakeContext{
		devices: []DeviceDesc{
			{Bus: 1, Address: 2, Vendor: 0x03f0, Product: 0x0001, Interfaces: []InterfaceDesc{ippInterface(0)}},
			{Bus: 1, Address: 5, Vendor: 0x04b8, Product: 0x0003, Interfaces: []InterfaceDesc{ippInterface(0)}},
		},
		// Both devices are busy: one is held by a tunnel.
		openErr: map[int]error{
			2: errors.New("LIBUSB_ERROR_BUSY"),
			5: errors.New("LIBUSB_ERROR_BUSY"),
		},
	}
	p := &Poller{Backend: &fakeBackend{ctx: uctx}}
	held := Descriptor{VendorID: 0x03f0, ProductID: 0x0001, Serial: "S1", Bus: 1, Address: 2}

	got := p.Refresh(context.Background(), []Descriptor{held})
	assert.Equal(t, []Descriptor{held}, got)

	// A different device now at the same address is opened again.
	moved := held
	moved.ProductID = 0x0009
	assert.Empty(t, p.Refresh(context.Background(), []Descriptor{moved}))
}

func TestPoller_BackendFailure(t *testing.T) {
	p := &Poller{Backend: &fakeBackend{err: errors.New("no libusb")}}
	assert.Empty(t, p.Poll(context.Background()))
}

func TestDescriptor_IDAndName(t *testing.T) {
	tests := []struct {
		desc Descriptor
		id   string
		name string
	}{
		{Descriptor{VendorID: 0x3f0, ProductID: 0x1, Serial: "CN123", Manufacturer: "HP", Product: "LaserJet"}, "03f0:0001:CN123", "HP LaserJet"},
		{Descriptor{VendorID: 0x3f0, ProductID: 0x1, Bus: 2, Address: 7, Product: "LaserJet"}, "03f0:0001@2.7", "LaserJet"},
		{Descriptor{VendorID: 0xabcd, ProductID: 0xef}, "abcd:00ef@0.0", "USB abcd:00ef"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.id, tt.desc.ID())
			assert.Equal(t, tt.name, tt.desc.Name())
		})
	}
}

func TestInterfaceDesc_IPPUSB(t *testing.T) {
	assert.True(t, ippInterface(0).IPPUSB())
	assert.False(t, printerInterface(0).IPPUSB())
	assert.True(t, EndpointDesc{Address: 0x81}.In())
	assert.False(t, EndpointDesc{Address: 0x01}.In())
	assert.True(t, EndpointDesc{TransferType: 2}.Bulk())
}
