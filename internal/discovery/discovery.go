// Package discovery finds eSCL scanners on the local network.
package discovery

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"

	"github.com/mzyy94/esclbridge/internal/escl"
)

// DNS-SD service types of eSCL scanners.
const (
	ServiceHTTP  = "_uscan._tcp"
	ServiceHTTPS = "_uscans._tcp"
	Domain       = "local."
)

// Service is a browsed eSCL endpoint.
type Service struct {
	Instance string            `json:"instance"`
	Host     string            `json:"host"`
	Addrs    []string          `json:"addrs"`
	Port     int               `json:"port"`
	Secure   bool              `json:"secure"`
	TXT      map[string]string `json:"txt"`
}

// Key identifies the scanner behind the service. Plain and TLS records
// of one scanner share it.
func (s Service) Key() string {
	if id := s.TXT["uuid"]; id != "" {
		return strings.ToLower(id)
	}
	return s.Instance
}

// Name is the advertised model name, or the instance name.
func (s Service) Name() string {
	if ty := s.TXT["ty"]; ty != "" {
		return ty
	}
	return s.Instance
}

// RootURL is the eSCL root path from the rs key.
func (s Service) RootURL() string {
	if rs, ok := s.TXT["rs"]; ok {
		return strings.Trim(rs, "/")
	}
	return "eSCL"
}

// Client connects to the service under policy. IPv4 addresses are
// preferred, then the host name.
func (s Service) Client(policy escl.SecurityPolicy) (*escl.Client, error) {
	host := strings.TrimSuffix(s.Host, ".")
	for _, a := range s.Addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			host = a
			break
		}
	}
	if host == "" && len(s.Addrs) > 0 {
		host = s.Addrs[0]
	}
	if host == "" {
		return nil, fmt.Errorf("discovery: %s has no address", s.Instance)
	}
	return escl.NewClient(escl.Options{
		Host:    net.JoinHostPort(host, strconv.Itoa(s.Port)),
		RootURL: s.RootURL(),
		TLS:     s.Secure,
		Policy:  policy,
	})
}

// Browse collects the eSCL services answering within timeout.
func Browse(ctx context.Context, timeout time.Duration) ([]Service, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	found := make(map[string]*Service)
	add := func(s Service) {
		mu.Lock()
		defer mu.Unlock()
		k := s.Key() + "|" + strconv.FormatBool(s.Secure)
		if prev, ok := found[k]; ok {
			prev.Addrs = mergeAddrs(prev.Addrs, s.Addrs)
			return
		}
		found[k] = &s
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, service := range []string{ServiceHTTP, ServiceHTTPS} {
		g.Go(func() error {
			return browse(ctx, service, add)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Service, 0, len(found))
	for _, s := range found {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Service) int {
		return cmp.Or(cmp.Compare(a.Name(), b.Name()), cmp.Compare(a.Port, b.Port))
	})
	return out, nil
}

func browse(ctx context.Context, service string, add func(Service)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discovery: resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, service, Domain, entries); err != nil {
		return fmt.Errorf("discovery: browse %s: %w", service, err)
	}
	secure := service == ServiceHTTPS
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return nil
			}
			s := fromEntry(e, secure)
			slog.Debug("eSCL service found", "instance", s.Instance, "service", service, "port", s.Port)
			add(s)
		case <-ctx.Done():
			return nil
		}
	}
}

func fromEntry(e *zeroconf.ServiceEntry, secure bool) Service {
	s := Service{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Secure:   secure,
		TXT:      ParseTXT(e.Text),
	}
	for _, ip := range e.AddrIPv4 {
		s.Addrs = append(s.Addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		s.Addrs = append(s.Addrs, ip.String())
	}
	return s
}

// ParseTXT splits key=value TXT strings. Keys are lower-cased.
func ParseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k == "" {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

// Select keeps one service per scanner: TLS when the policy allows it,
// plain HTTP otherwise. Services the policy forbids are dropped.
func Select(services []Service, policy escl.SecurityPolicy) []Service {
	best := make(map[string]int)
	var order []string
	for i, s := range services {
		if s.Secure && !policy.ClientAllowsHTTPS() || !s.Secure && !policy.ClientAllowsHTTP() {
			continue
		}
		k := s.Key()
		j, ok := best[k]
		if !ok {
			best[k] = i
			order = append(order, k)
			continue
		}
		if s.Secure && !services[j].Secure {
			best[k] = i
		}
	}
	out := make([]Service, 0, len(order))
	for _, k := range order {
		out = append(out, services[best[k]])
	}
	return out
}

func mergeAddrs(existing, add []string) []string {
	for _, a := range add {
		if !slices.Contains(existing, a) {
			existing = append(existing, a)
		}
	}
	return existing
}

// LocalIP returns the local address used to reach target. An empty
// target picks the default LAN interface through the all-hosts
// multicast group.
func LocalIP(target string) string {
	if target == "" {
		target = "224.0.0.1"
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(target, "80"))
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "0.0.0.0"
}
