package usb

import (
	"context"
	"errors"
	"sync"
)

type fakeBackend struct {
	ctx *fakeContext
	err error
}

func (b *fakeBackend) NewContext() (Context, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.ctx, nil
}

type fakeContext struct {
	mu      sync.Mutex
	devices []DeviceDesc
	opened  map[int]*fakeDevice // by address
	openErr map[int]error
	closed  int
}

func (c *fakeContext) List() ([]DeviceDesc, error) { return c.devices, nil }

func (c *fakeContext) Open(d DeviceDesc) (Device, error) {
	if err := c.openErr[d.Address]; err != nil {
		return nil, err
	}
	if dev, ok := c.opened[d.Address]; ok {
		return dev, nil
	}
	return &fakeDevice{}, nil
}

func (c *fakeContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeContext) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDevice struct {
	mu      sync.Mutex
	claimed []InterfaceDesc
	intf    *fakeInterface
	closed  int
}

func (d *fakeDevice) Manufacturer() (string, error) { return "ACME", nil }
func (d *fakeDevice) Product() (string, error)      { return "Scan 1", nil }
func (d *fakeDevice) SerialNumber() (string, error) { return "", errors.New("no serial") }

func (d *fakeDevice) Claim(_ int, iface InterfaceDesc) (Interface, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claimed = append(d.claimed, iface)
	if d.intf == nil {
		d.intf = &fakeInterface{ep: newFakeEndpoints()}
	}
	return d.intf, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

type fakeInterface struct {
	ep     *fakeEndpoints
	mu     sync.Mutex
	closed int
}

func (i *fakeInterface) OutEndpoint(uint8) (OutEndpoint, error) { return i.ep, nil }
func (i *fakeInterface) InEndpoint(uint8) (InEndpoint, error)   { return &fakeIn{i.ep}, nil }

func (i *fakeInterface) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed++
}

// fakeEndpoints is a device that answers each request through respond.
type fakeEndpoints struct {
	mu       sync.Mutex
	written  []byte
	writes   int
	maxWrite int
	writeErr error
	queue    [][]byte
	respond  func(req []byte) [][]byte
}

func newFakeEndpoints() *fakeEndpoints {
	return &fakeEndpoints{}
}

func (e *fakeEndpoints) WriteContext(_ context.Context, p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writes++
	if e.writeErr != nil {
		return 0, e.writeErr
	}
	n := len(p)
	if e.maxWrite > 0 && n > e.maxWrite {
		n = e.maxWrite
	}
	e.written = append(e.written, p[:n]...)
	return n, nil
}

type fakeIn struct{ e *fakeEndpoints }

func (f *fakeIn) ReadContext(ctx context.Context, p []byte) (int, error) {
	e := f.e
	e.mu.Lock()
	if len(e.queue) == 0 && e.respond != nil && len(e.written) > 0 {
		e.queue = e.respond(e.written)
		e.written = nil
	}
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return 0, nil
	}
	next := e.queue[0]
	e.queue = e.queue[1:]
	e.mu.Unlock()
	// An empty entry is a transfer that times out.
	if len(next) == 0 {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return copy(p, next), nil
}

func (e *fakeEndpoints) snapshot() ([]byte, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.written...), e.writes
}

func ippInterface(number int) InterfaceDesc {
	return InterfaceDesc{
		Number:   number,
		Class:    ClassPrinter,
		SubClass: SubClassPrinter,
		Protocol: ProtocolIPPUSB,
		Endpoints: []EndpointDesc{
			{Address: 0x01, TransferType: TransferTypeBulk, MaxPacketSize: 512},
			{Address: 0x81, TransferType: TransferTypeBulk, MaxPacketSize: 512},
		},
	}
}

func printerInterface(number int) InterfaceDesc {
	return InterfaceDesc{
		Number:   number,
		Class:    ClassPrinter,
		SubClass: SubClassPrinter,
		Protocol: 0x02,
		Endpoints: []EndpointDesc{
			{Address: 0x02, TransferType: TransferTypeBulk},
			{Address: 0x82, TransferType: TransferTypeBulk},
		},
	}
}
