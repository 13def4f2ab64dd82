// Package engine serves registered devices over eSCL and advertises them
// with multicast DNS.
package engine

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	esclsrv "github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/transport"
	"github.com/OpenPrinting/go-mfp/util/optional"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/mzyy94/esclbridge/internal/capture"
	"github.com/mzyy94/esclbridge/internal/escl"
	"github.com/mzyy94/esclbridge/internal/job"
	"github.com/mzyy94/esclbridge/internal/registry"
)

// Errors returned by Engine.
var (
	ErrNotRunning    = errors.New("engine: not running")
	ErrRunning       = errors.New("engine: already running")
	ErrNoCertificate = errors.New("engine: security policy requires HTTPS but no certificate is configured")
)

// statusTimeout bounds the driver's feeder state query during a status
// request.
const statusTimeout = 2 * time.Second

// PortStore remembers the port assigned to each device across restarts.
type PortStore interface {
	Port(id string) (int, bool)
	SetPort(id string, port int) error
}

// Options configures an Engine.
type Options struct {
	// Host is the listen address. Empty listens on all interfaces.
	Host string
	// BasePort is the first port handed to new devices. Zero picks
	// ephemeral ports.
	BasePort int
	Policy   escl.SecurityPolicy
	TLSCert  string
	TLSKey   string
	// AdminURL is advertised as the adminurl TXT key when set.
	AdminURL      string
	Store         PortStore
	Advertiser    Advertiser
	MeterProvider metric.MeterProvider
}

// DeviceInfo is a snapshot of one served device.
type DeviceInfo struct {
	UUID    string              `json:"uuid"`
	Name    string              `json:"name"`
	Driver  string              `json:"driver"`
	Device  string              `json:"device"`
	Port    int                 `json:"port,omitempty"`
	TLSPort int                 `json:"tlsPort,omitempty"`
	Status  *escl.ScannerStatus `json:"-"`
}

type device struct {
	desc      *registry.Descriptor
	jobs      *jobTable
	servers   []*http.Server
	listeners []net.Listener
	port      int
	tlsPort   int
}

// Engine implements registry.Engine.
type Engine struct {
	opts    Options
	metrics *metrics
	tls     *tls.Config

	mu       sync.Mutex
	running  bool
	group    *errgroup.Group
	devices  map[string]*device
	nextPort int
	ads      advertisements
}

var _ registry.Engine = (*Engine)(nil)

// New returns a stopped engine.
func New(opts Options) (*Engine, error) {
	if opts.Advertiser == nil {
		opts.Advertiser = noopAdvertiser{}
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = otel.GetMeterProvider()
	}
	m, err := newMetrics(opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("engine: metrics: %w", err)
	}
	return &Engine{opts: opts, metrics: m, devices: make(map[string]*device)}, nil
}

// Start prepares the engine to accept devices.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrRunning
	}

	e.tls = nil
	if e.opts.Policy.ServerOffersHTTPS() && e.opts.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(e.opts.TLSCert, e.opts.TLSKey)
		if err != nil {
			return fmt.Errorf("engine: load certificate: %w", err)
		}
		e.tls = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	if !e.opts.Policy.ServerOffersHTTP() && e.tls == nil {
		return ErrNoCertificate
	}

	e.group = new(errgroup.Group)
	e.nextPort = e.opts.BasePort
	e.running = true
	slog.Info("engine started", "policy", e.opts.Policy, "tls", e.tls != nil)
	return nil
}

// Stop withdraws every device and waits for the servers to exit.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.running = false
	devices := e.devices
	e.devices = make(map[string]*device)
	group := e.group
	e.mu.Unlock()

	e.ads.withdrawAll()
	var errs []error
	for _, d := range devices {
		errs = append(errs, e.shutdown(ctx, d))
	}
	errs = append(errs, group.Wait())
	slog.Info("engine stopped")
	return errors.Join(errs...)
}

// AddDevice starts serving and advertising a device.
func (e *Engine) AddDevice(ctx context.Context, desc *registry.Descriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	id := desc.UUID.String()
	if _, ok := e.devices[id]; ok {
		return fmt.Errorf("engine: device %s already served", desc.Key)
	}

	d := &device{desc: desc, jobs: newJobTable()}
	handler := e.handler(d)

	secure := !e.opts.Policy.ServerOffersHTTP()
	ln, err := e.listen(id, secure)
	if err != nil {
		return err
	}
	e.serve(d, ln, handler, secure)
	if secure {
		d.tlsPort = port(ln)
	} else {
		d.port = port(ln)
		// Offer HTTPS alongside when a certificate is available.
		if e.tls != nil {
			tln, err := e.listen(id+"#tls", true)
			if err != nil {
				slog.Warn("HTTPS listener failed, serving HTTP only", "device", desc.Key, "err", err)
			} else {
				e.serve(d, tln, handler, true)
				d.tlsPort = port(tln)
			}
		}
	}
	e.devices[id] = d

	txt := TXTRecords(desc, e.opts.AdminURL)
	if d.port != 0 {
		e.advertise(desc, ServiceHTTP, d.port, txt)
	}
	if d.tlsPort != 0 {
		e.advertise(desc, ServiceHTTPS, d.tlsPort, txt)
	}
	e.metrics.devicePublished(ctx, 1)
	slog.Info("device published", "device", desc.Key, "name", desc.Name, "port", d.port, "tlsPort", d.tlsPort)
	return nil
}

// RemoveDevice withdraws a device and closes its servers.
func (e *Engine) RemoveDevice(ctx context.Context, desc *registry.Descriptor) error {
	e.mu.Lock()
	id := desc.UUID.String()
	d, ok := e.devices[id]
	delete(e.devices, id)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: device %s not served", desc.Key)
	}

	e.ads.withdraw(id)
	e.metrics.devicePublished(ctx, -1)
	slog.Info("device withdrawn", "device", desc.Key)
	return e.shutdown(ctx, d)
}

// Devices returns a snapshot of the served devices ordered by name.
func (e *Engine) Devices() []DeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DeviceInfo, 0, len(e.devices))
	for id, d := range e.devices {
		out = append(out, DeviceInfo{
			UUID:    id,
			Name:    d.desc.Name,
			Driver:  d.desc.Key.Driver,
			Device:  d.desc.Key.Device,
			Port:    d.port,
			TLSPort: d.tlsPort,
			Status:  d.jobs.status("/eSCL"),
		})
	}
	slices.SortFunc(out, func(a, b DeviceInfo) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.UUID, b.UUID))
	})
	return out
}

// Job finds a job by id on any served device. The adapter is nil while
// the job is still starting.
func (e *Engine) Job(id string) (*job.Adapter, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range e.devices {
		if a, ok := d.jobs.lookup(id); ok {
			return a, true
		}
	}
	return nil, false
}

func (e *Engine) handler(d *device) http.Handler {
	sc := newScanner(d.desc, d.jobs, e.metrics)
	srv := esclsrv.NewAbstractServer(esclsrv.AbstractServerOptions{
		Scanner:  sc,
		BasePath: "",
		Hooks: esclsrv.ServerHooks{
			OnScannerStatusResponse: func(_ *transport.ServerQuery, status *esclsrv.ScannerStatus) *esclsrv.ScannerStatus {
				return adfStatus(d.desc, status)
			},
		},
	})

	mux := http.NewServeMux()
	// Clients honoring the rs TXT key use /eSCL/; sane-escl uses the root.
	mux.Handle("/eSCL/", http.StripPrefix("/eSCL", srv))
	mux.Handle("/", srv)
	return LogMiddleware(d.desc.Key.String(), mux)
}

// adfStatus fills the feeder state from the driver. A nil return keeps
// the server's own status.
func adfStatus(desc *registry.Descriptor, status *esclsrv.ScannerStatus) *esclsrv.ScannerStatus {
	p, ok := desc.Driver().(capture.StatusProvider)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	st, err := p.AdfState(ctx, desc.Device())
	if err != nil {
		slog.Debug("ADF status check failed", "device", desc.Key, "err", err)
		return nil
	}
	switch st {
	case escl.AdfStateLoaded:
		status.ADFState = optional.New(esclsrv.ScannerAdfLoaded)
	case escl.AdfStateEmpty:
		status.ADFState = optional.New(esclsrv.ScannerAdfEmpty)
	case escl.AdfStateJam:
		status.ADFState = optional.New(esclsrv.ScannerAdfJam)
	case escl.AdfStateProcessing:
		status.ADFState = optional.New(esclsrv.ScannerAdfProcessing)
	default:
		return nil
	}
	return status
}

// listen binds the stored port of a device, then the next base port,
// then an ephemeral one. The bound port is persisted.
func (e *Engine) listen(key string, secure bool) (net.Listener, error) {
	var candidates []int
	if e.opts.Store != nil {
		if p, ok := e.opts.Store.Port(key); ok {
			candidates = append(candidates, p)
		}
	}
	if e.nextPort > 0 {
		candidates = append(candidates, e.nextPort)
		e.nextPort++
	}
	candidates = append(candidates, 0)

	var ln net.Listener
	var err error
	for _, p := range candidates {
		ln, err = net.Listen("tcp", net.JoinHostPort(e.opts.Host, strconv.Itoa(p)))
		if err == nil {
			break
		}
		slog.Debug("listen failed", "port", p, "err", err)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: listen: %w", err)
	}
	if secure {
		ln = tls.NewListener(ln, e.tls)
	}
	if e.opts.Store != nil {
		if err := e.opts.Store.SetPort(key, port(ln)); err != nil {
			slog.Warn("persist port failed", "key", key, "err", err)
		}
	}
	return ln, nil
}

func (e *Engine) serve(d *device, ln net.Listener, h http.Handler, secure bool) {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.servers = append(d.servers, srv)
	d.listeners = append(d.listeners, ln)
	e.group.Go(func() error {
		slog.Debug("eSCL server listening", "device", d.desc.Key, "addr", ln.Addr(), "tls", secure)
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "device", d.desc.Key, "err", err)
			return fmt.Errorf("serve %s: %w", d.desc.Key, err)
		}
		return nil
	})
}

func (e *Engine) advertise(desc *registry.Descriptor, service string, port int, txt []string) {
	ad, err := e.opts.Advertiser.Advertise(desc.Name, service, port, txt)
	if err != nil {
		slog.Error("mDNS registration failed", "device", desc.Key, "service", service, "err", err)
		return
	}
	e.ads.add(desc.UUID.String(), ad)
	slog.Info("mDNS registered", "name", desc.Name, "service", service, "port", port)
}

// shutdown stops d's servers and releases their ports. Shutdown alone
// leaves a listener open when Serve has not started yet.
func (e *Engine) shutdown(ctx context.Context, d *device) error {
	var errs []error
	for _, srv := range d.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ln := range d.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func port(ln net.Listener) int {
	if a, ok := ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}
