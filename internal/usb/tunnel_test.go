package usb

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

type tunnelFixture struct {
	tunnel *Tunnel
	ctx    *fakeContext
	dev    *fakeDevice
	ep     *fakeEndpoints

	mu       sync.Mutex
	requests [][]byte
}

func (f *tunnelFixture) record(req []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, append([]byte(nil), req...))
}

func (f *tunnelFixture) lastRequest() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func newTunnelFixture(t *testing.T, respond func(req []byte) [][]byte) *tunnelFixture {
	t.Helper()
	f := &tunnelFixture{}
	f.ep = newFakeEndpoints()
	f.ep.respond = func(req []byte) [][]byte {
		f.record(req)
		return respond(req)
	}
	f.dev = &fakeDevice{intf: &fakeInterface{ep: f.ep}}
	desc := DeviceDesc{
		Bus: 1, Address: 4, Vendor: 0x04a9, Product: 0x1234, Config: 1,
		Interfaces: []InterfaceDesc{printerInterface(0), ippInterface(1), ippInterface(2)},
	}
	f.ctx = &fakeContext{
		devices: []DeviceDesc{desc},
		opened:  map[int]*fakeDevice{4: f.dev},
	}

	tun, err := OpenTunnel(context.Background(), &fakeBackend{ctx: f.ctx},
		Descriptor{VendorID: 0x04a9, ProductID: 0x1234, Bus: 1, Address: 4},
		Options{MeterProvider: noop.NewMeterProvider(), ReadTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tun.Close() })
	f.tunnel = tun
	return f
}

func dial(t *testing.T, tun *Tunnel) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", tun.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestTunnel_ClaimsIPPInterfaces(t *testing.T) {
	f := newTunnelFixture(t, func([]byte) [][]byte { return nil })
	require.Len(t, f.dev.claimed, 2)
	assert.Equal(t, 1, f.dev.claimed[0].Number)
	assert.Equal(t, 2, f.dev.claimed[1].Number)
}

func TestTunnel_RawRequestRoundTrip(t *testing.T) {
	f := newTunnelFixture(t, func([]byte) [][]byte {
		return [][]byte{
			[]byte("01234567"),
			[]byte("89abcdef"),
			[]byte("ghij"),
		}
	})
	f.ep.mu.Lock()
	f.ep.maxWrite = 1000
	f.ep.mu.Unlock()

	conn := dial(t, f.tunnel)
	req := bytes.Repeat([]byte{'x'}, 65536)
	_, err := conn.Write(req)
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdefghij", string(resp))

	assert.Equal(t, req, f.lastRequest())
	_, writes := f.ep.snapshot()
	assert.GreaterOrEqual(t, writes, 66)
}

func TestTunnel_HTTPFraming(t *testing.T) {
	f := newTunnelFixture(t, func([]byte) [][]byte {
		return [][]byte{
			[]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n"),
			[]byte("\r\nhel"),
			[]byte("lo"),
		}
	})
	conn := dial(t, f.tunnel)

	// The body arrives well after the idle threshold.
	_, err := conn.Write([]byte("POST /eSCL/ScanJobs HTTP/1.1\r\nHost: x\r\nContent-Length: 4\r\n\r\nab"))
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)
	_, err = conn.Write([]byte("cd"))
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.True(t, bytes.HasSuffix(f.lastRequest(), []byte("\r\n\r\nabcd")))

	// The connection stays open for the next request.
	_, err = conn.Write([]byte("GET /eSCL/ScannerStatus HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	resp, err = http.ReadResponse(br, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.True(t, bytes.HasPrefix(f.lastRequest(), []byte("GET /eSCL/ScannerStatus")))
}

func TestTunnel_ResponseBodyAcrossReadTimeouts(t *testing.T) {
	f := newTunnelFixture(t, func([]byte) [][]byte {
		return [][]byte{
			[]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nhello"),
			{}, {}, // two bulk-in timeouts mid-body
			[]byte("world"),
		}
	})
	conn := dial(t, f.tunnel)
	br := bufio.NewReader(conn)

	for range 2 {
		_, err := conn.Write([]byte("GET /eSCL/ScannerStatus HTTP/1.1\r\nHost: x\r\n\r\n"))
		require.NoError(t, err)
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "helloworld", string(body))
	}
}

func TestTunnel_MalformedChunkedRequest(t *testing.T) {
	f := newTunnelFixture(t, func([]byte) [][]byte { return nil })
	conn := dial(t, f.tunnel)
	_, err := conn.Write([]byte("POST /eSCL/ScanJobs HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n7fffffffffffffff\r\nabc\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	written, writes := f.ep.snapshot()
	assert.Empty(t, written)
	assert.Zero(t, writes)

	// The tunnel keeps accepting connections.
	next := dial(t, f.tunnel)
	_, err = next.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	resp, err = http.ReadResponse(bufio.NewReader(next), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestTunnel_Client(t *testing.T) {
	f := newTunnelFixture(t, func([]byte) [][]byte {
		body := `<?xml version="1.0" encoding="UTF-8"?>
<scan:ScannerStatus xmlns:scan="http://schemas.hp.com/imaging/escl/2011/05/03" xmlns:pwg="http://www.pwg.org/schemas/2010/12/sm">
<pwg:Version>2.63</pwg:Version><pwg:State>Idle</pwg:State></scan:ScannerStatus>`
		return [][]byte{[]byte("HTTP/1.1 200 OK\r\nContent-Type: text/xml\r\nTransfer-Encoding: chunked\r\n\r\n" +
			strconv.FormatInt(int64(len(body)), 16) + "\r\n" + body + "\r\n0\r\n\r\n")}
	})

	c, err := f.tunnel.Client()
	require.NoError(t, err)
	assert.Equal(t, "http://"+f.tunnel.Addr()+"/eSCL/", c.BaseURL())

	for range 2 {
		st, err := c.Status(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "2.63", st.Version)
	}
}

func TestTunnel_TransferErrorAnswers502(t *testing.T) {
	f := newTunnelFixture(t, func([]byte) [][]byte { return nil })
	f.ep.mu.Lock()
	f.ep.writeErr = errors.New("LIBUSB_ERROR_PIPE")
	f.ep.mu.Unlock()

	conn := dial(t, f.tunnel)
	_, err := conn.Write([]byte("GET /eSCL/ScannerCapabilities HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "LIBUSB_ERROR_PIPE")
}

func TestTunnel_EmptyResponseAnswers502(t *testing.T) {
	f := newTunnelFixture(t, func([]byte) [][]byte { return nil })
	conn := dial(t, f.tunnel)
	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestTunnel_CloseReleasesOnce(t *testing.T) {
	f := newTunnelFixture(t, func([]byte) [][]byte { return nil })
	addr := f.tunnel.Addr()

	require.NoError(t, f.tunnel.Close())
	require.NoError(t, f.tunnel.Close())

	// Both claimed interfaces share one fake.
	assert.Equal(t, 2, f.dev.intf.closed)
	assert.Equal(t, 1, f.dev.closed)
	assert.Equal(t, 1, f.ctx.closeCount())

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

func TestOpenTunnel_Errors(t *testing.T) {
	noEndpoints := ippInterface(0)
	noEndpoints.Endpoints = noEndpoints.Endpoints[:1]

	tests := []struct {
		name   string
		ifaces []InterfaceDesc
		desc   Descriptor
		want   error
	}{
		{"missing device", []InterfaceDesc{ippInterface(0)}, Descriptor{Bus: 9, Address: 9}, ErrNotFound},
		{"no ipp interface", []InterfaceDesc{printerInterface(0)}, Descriptor{Bus: 1, Address: 2}, ErrNoInterface},
		{"no bulk pair", []InterfaceDesc{noEndpoints}, Descriptor{Bus: 1, Address: 2}, ErrNoEndpoints},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeDevice{}
			uctx := &fakeContext{
				devices: []DeviceDesc{{Bus: 1, Address: 2, Interfaces: tt.ifaces}},
				opened:  map[int]*fakeDevice{2: dev},
			}
			_, err := OpenTunnel(context.Background(), &fakeBackend{ctx: uctx}, tt.desc,
				Options{MeterProvider: noop.NewMeterProvider()})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 1, uctx.closeCount())
			if len(dev.claimed) > 0 {
				assert.Equal(t, 1, dev.closed)
			}
		})
	}
}
