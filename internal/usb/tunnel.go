package usb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/mzyy94/esclbridge/internal/escl"
)

// Errors returned by the tunnel.
var (
	ErrNoInterface  = errors.New("usb: no IPP-USB interface")
	ErrNoEndpoints  = errors.New("usb: IPP-USB interface has no bulk endpoint pair")
	ErrShortWrite   = errors.New("usb: bulk-out transfer made no progress")
	ErrNoResponse   = errors.New("usb: device returned no response")
	errIncompleteRq = errors.New("usb: request body incomplete")
	errBadRequest   = errors.New("usb: malformed request framing")
)

// maxTransfer bounds a single bulk transfer.
const maxTransfer = 64 * 1024

// Options configures a Tunnel. Zero values pick the defaults.
type Options struct {
	// RequestIdle completes a request that never presents an HTTP header
	// terminator once the client pauses this long. Default 50ms.
	RequestIdle time.Duration
	// RequestBody bounds waiting for an announced request body. Default 10s.
	RequestBody time.Duration
	// KeepAlive bounds waiting for the next request on a connection.
	// Default 30s.
	KeepAlive time.Duration
	// ReadTimeout bounds each bulk-in read. Default 1s.
	ReadTimeout time.Duration
	// ResponseTimeout bounds waiting for the first response byte and
	// each pause inside a body whose length is announced. Default 30s.
	ResponseTimeout time.Duration
	MeterProvider   metric.MeterProvider
}

func (o *Options) defaults() {
	if o.RequestIdle <= 0 {
		o.RequestIdle = 50 * time.Millisecond
	}
	if o.RequestBody <= 0 {
		o.RequestBody = 10 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = time.Second
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 30 * time.Second
	}
	if o.MeterProvider == nil {
		o.MeterProvider = otel.GetMeterProvider()
	}
}

type exchange struct {
	req  []byte
	done chan exchangeResult
}

type exchangeResult struct {
	resp      []byte
	keepAlive bool
	err       error
}

// Tunnel relays HTTP between a loopback listener and an IPP-USB device.
// One connection is served at a time and requests are not pipelined.
type Tunnel struct {
	desc    Descriptor
	opts    Options
	metrics *tunnelMetrics

	ln     net.Listener
	uctx   Context
	dev    Device
	ifaces []Interface
	out    OutEndpoint
	in     InEndpoint

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	exchanges chan exchange

	connMu sync.Mutex
	conn   net.Conn

	closeOnce sync.Once
	closeErr  error
}

// OpenTunnel claims the device and starts relaying. The listener is
// bound before any USB access. Canceling ctx stops the tunnel; Close
// must still be called to release the device.
func OpenTunnel(ctx context.Context, backend Backend, desc Descriptor, opts Options) (*Tunnel, error) {
	opts.defaults()
	m, err := newTunnelMetrics(opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("usb: metrics: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("usb: listen: %w", err)
	}
	t := &Tunnel{
		desc:      desc,
		opts:      opts,
		metrics:   m,
		ln:        ln,
		exchanges: make(chan exchange),
	}
	if err := t.claim(backend); err != nil {
		t.release()
		_ = ln.Close()
		return nil, err
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	context.AfterFunc(t.ctx, func() { _ = t.ln.Close() })
	t.group = new(errgroup.Group)
	t.group.Go(t.worker)
	t.group.Go(t.acceptLoop)

	slog.Info("usb tunnel open", "device", desc.ID(), "name", desc.Name(), "addr", ln.Addr())
	return t, nil
}

// claim opens the device, claims every IPP-USB interface and picks the
// bulk pair of the first one.
func (t *Tunnel) claim(backend Backend) error {
	uctx, err := backend.NewContext()
	if err != nil {
		return fmt.Errorf("usb: context: %w", err)
	}
	t.uctx = uctx

	descs, err := uctx.List()
	if err != nil && len(descs) == 0 {
		return fmt.Errorf("usb: enumerate: %w", err)
	}
	var dd *DeviceDesc
	for i := range descs {
		d := &descs[i]
		if d.Bus == t.desc.Bus && d.Address == t.desc.Address && d.Vendor == t.desc.VendorID && d.Product == t.desc.ProductID {
			dd = d
			break
		}
	}
	if dd == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, t.desc.ID())
	}

	ipp := dd.ippInterfaces()
	if len(ipp) == 0 {
		return fmt.Errorf("%w: %s", ErrNoInterface, t.desc.ID())
	}

	dev, err := uctx.Open(*dd)
	if err != nil {
		return err
	}
	t.dev = dev

	claimed := make(map[int]bool)
	for _, desc := range ipp {
		if claimed[desc.Number] {
			continue
		}
		intf, err := dev.Claim(dd.Config, desc)
		if err != nil {
			return err
		}
		claimed[desc.Number] = true
		t.ifaces = append(t.ifaces, intf)
	}

	first := ipp[0]
	var outAddr, inAddr uint8
	var haveOut, haveIn bool
	for _, ep := range first.Endpoints {
		if !ep.Bulk() {
			continue
		}
		switch {
		case ep.In() && !haveIn:
			inAddr, haveIn = ep.Address, true
		case !ep.In() && !haveOut:
			outAddr, haveOut = ep.Address, true
		}
	}
	if !haveOut || !haveIn {
		return fmt.Errorf("%w: %s", ErrNoEndpoints, t.desc.ID())
	}
	if t.out, err = t.ifaces[0].OutEndpoint(outAddr); err != nil {
		return fmt.Errorf("usb: bulk-out %#02x: %w", outAddr, err)
	}
	if t.in, err = t.ifaces[0].InEndpoint(inAddr); err != nil {
		return fmt.Errorf("usb: bulk-in %#02x: %w", inAddr, err)
	}
	return nil
}

// Addr is the loopback address of the tunnel.
func (t *Tunnel) Addr() string { return t.ln.Addr().String() }

// Descriptor returns the tunneled device.
func (t *Tunnel) Descriptor() Descriptor { return t.desc }

// Client returns an eSCL client that talks through the tunnel. Its
// transport keeps a single connection since the tunnel serves one at a
// time.
func (t *Tunnel) Client() (*escl.Client, error) {
	tr := &http.Transport{
		MaxConnsPerHost:     1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     t.opts.KeepAlive / 2,
	}
	return escl.NewClient(escl.Options{
		Host:       t.Addr(),
		RootURL:    "eSCL",
		HTTPClient: &http.Client{Transport: tr, Timeout: 2 * time.Minute},
	})
}

// Close stops the tunnel and releases the device. It is safe to call
// more than once.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		var errs []error
		if err := t.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		t.connMu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.connMu.Unlock()
		if err := t.group.Wait(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, t.release())
		t.closeErr = errors.Join(errs...)
		slog.Info("usb tunnel closed", "device", t.desc.ID())
	})
	return t.closeErr
}

func (t *Tunnel) release() error {
	var errs []error
	for _, i := range t.ifaces {
		i.Close()
	}
	t.ifaces = nil
	if t.dev != nil {
		errs = append(errs, t.dev.Close())
		t.dev = nil
	}
	if t.uctx != nil {
		errs = append(errs, t.uctx.Close())
		t.uctx = nil
	}
	return errors.Join(errs...)
}

// worker owns all USB I/O. libusb transfers block, so it stays on one
// OS thread.
func (t *Tunnel) worker() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		select {
		case <-t.ctx.Done():
			return nil
		case x := <-t.exchanges:
			resp, keep, err := t.roundTrip(x.req)
			x.done <- exchangeResult{resp: resp, keepAlive: keep, err: err}
		}
	}
}

func (t *Tunnel) roundTrip(req []byte) ([]byte, bool, error) {
	if err := t.write(req); err != nil {
		return nil, false, err
	}
	return t.read()
}

// write sends req in bulk transfers of at most maxTransfer bytes,
// resuming after partial writes.
func (t *Tunnel) write(req []byte) error {
	for off := 0; off < len(req); {
		end := min(off+maxTransfer, len(req))
		n, err := t.out.WriteContext(t.ctx, req[off:end])
		off += n
		t.metrics.sent(t.ctx, n)
		if err != nil {
			return fmt.Errorf("usb: bulk-out: %w", err)
		}
		if n == 0 {
			return ErrShortWrite
		}
	}
	return nil
}

// read collects the response until its HTTP framing is complete or the
// device stops sending. keepAlive is false when the response length is
// unknown or the response was cut short.
func (t *Tunnel) read() ([]byte, bool, error) {
	var resp []byte
	state := frameHeaders
	buf := make([]byte, maxTransfer)
	deadline := time.Now().Add(t.opts.ResponseTimeout)
	for {
		rctx, cancel := context.WithTimeout(t.ctx, t.opts.ReadTimeout)
		n, err := t.in.ReadContext(rctx, buf)
		timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded)
		cancel()

		if n > 0 {
			resp = append(resp, buf[:n]...)
			t.metrics.received(t.ctx, n)
			var m int
			if state, m = frame(resp, true); state == frameComplete {
				return resp[:m], true, nil
			}
			deadline = time.Now().Add(t.opts.ResponseTimeout)
			continue
		}
		waiting := t.ctx.Err() == nil && time.Now().Before(deadline)
		switch {
		case len(resp) == 0 && waiting && err != nil && timedOut:
			// Nothing yet: the device may still be preparing the page.
			continue
		case state == frameBody && waiting && (err == nil || timedOut):
			// The headers announce more body than has arrived.
			continue
		case len(resp) > 0:
			if state == frameBody {
				slog.Warn("usb response truncated", "device", t.desc.ID(), "bytes", len(resp))
			}
			return resp, false, nil
		}
		if err == nil {
			err = ErrNoResponse
		}
		return nil, false, fmt.Errorf("usb: bulk-in: %w", err)
	}
}

func (t *Tunnel) acceptLoop() error {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("usb: accept: %w", err)
		}
		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()
		if t.ctx.Err() != nil {
			_ = conn.Close()
			return nil
		}

		t.serveConn(conn)

		t.connMu.Lock()
		t.conn = nil
		t.connMu.Unlock()
		_ = conn.Close()
	}
}

// serveConn relays requests of one connection until either side ends it.
func (t *Tunnel) serveConn(conn net.Conn) {
	r := &requestReader{conn: conn, opts: &t.opts}
	for t.ctx.Err() == nil {
		req, err := r.next()
		if errors.Is(err, errBadRequest) {
			slog.Debug("usb tunnel rejected request", "device", t.desc.ID(), "err", err)
			writeBadRequest(conn)
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !isTimeout(err) {
				slog.Debug("usb tunnel request read failed", "device", t.desc.ID(), "err", err)
			}
			return
		}

		x := exchange{req: req, done: make(chan exchangeResult, 1)}
		select {
		case t.exchanges <- x:
		case <-t.ctx.Done():
			return
		}
		var res exchangeResult
		select {
		case res = <-x.done:
		case <-t.ctx.Done():
			return
		}

		if res.err != nil {
			t.metrics.failed(t.ctx)
			slog.Warn("usb transfer failed", "device", t.desc.ID(), "err", res.err)
			writeBadGateway(conn, res.err)
			return
		}
		if _, err := conn.Write(res.resp); err != nil {
			slog.Debug("usb tunnel response write failed", "device", t.desc.ID(), "err", err)
			return
		}
		if !res.keepAlive {
			return
		}
	}
}

func writeBadGateway(w io.Writer, cause error) {
	body := "eSCL USB transfer failed: " + cause.Error() + "\n"
	_, _ = io.WriteString(w, "HTTP/1.1 502 Bad Gateway\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: "+strconv.Itoa(len(body))+"\r\n"+
		"Connection: close\r\n\r\n"+body)
}

func writeBadRequest(w io.Writer) {
	_, _ = io.WriteString(w, "HTTP/1.1 400 Bad Request\r\n"+
		"Content-Length: 0\r\n"+
		"Connection: close\r\n\r\n")
}

// requestReader splits a client byte stream into requests. Bytes past
// the end of one request are kept for the next.
type requestReader struct {
	conn    net.Conn
	opts    *Options
	pending []byte
}

func (r *requestReader) next() ([]byte, error) {
	buf := r.pending
	r.pending = nil
	chunk := make([]byte, maxTransfer)
	for {
		st, n := frame(buf, false)
		switch st {
		case frameComplete:
			r.pending = append([]byte(nil), buf[n:]...)
			return buf[:n], nil
		case frameInvalid:
			return nil, errBadRequest
		}

		wait := r.opts.KeepAlive
		switch {
		case st == frameBody:
			wait = r.opts.RequestBody
		case len(buf) > 0:
			wait = r.opts.RequestIdle
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(wait))
		m, err := r.conn.Read(chunk)
		buf = append(buf, chunk[:m]...)
		if err == nil {
			continue
		}

		st, _ = frame(buf, false)
		switch {
		case st == frameComplete || st == frameInvalid:
			continue
		case st == frameHeaders && len(buf) > 0 && (isTimeout(err) || errors.Is(err, io.EOF)):
			// No header terminator: a pause ends the request.
			return buf, nil
		case st == frameBody && isTimeout(err):
			return nil, errIncompleteRq
		}
		return nil, err
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
