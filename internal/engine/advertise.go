package engine

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/mzyy94/esclbridge/internal/escl"
	"github.com/mzyy94/esclbridge/internal/registry"
)

// mDNS service types for plain and TLS eSCL.
const (
	ServiceHTTP  = "_uscan._tcp"
	ServiceHTTPS = "_uscans._tcp"
)

// Advertiser publishes a device on the local network.
type Advertiser interface {
	Advertise(name, service string, port int, txt []string) (Advertisement, error)
}

// Advertisement withdraws a published service.
type Advertisement interface {
	Shutdown()
}

// Zeroconf advertises over multicast DNS.
type Zeroconf struct {
	Domain string
}

func (z Zeroconf) Advertise(name, service string, port int, txt []string) (Advertisement, error) {
	domain := z.Domain
	if domain == "" {
		domain = "local."
	}
	srv, err := zeroconf.Register(name, service, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register %q: %w", name, err)
	}
	return srv, nil
}

// noopAdvertiser is used when advertising is disabled.
type noopAdvertiser struct{}

func (noopAdvertiser) Advertise(string, string, int, []string) (Advertisement, error) {
	return noopAdvertisement{}, nil
}

type noopAdvertisement struct{}

func (noopAdvertisement) Shutdown() {}

// advertisements tracks the live registrations so that Stop can
// withdraw whatever is left.
type advertisements struct {
	mu   sync.Mutex
	live map[string][]Advertisement
}

func (a *advertisements) add(key string, ad Advertisement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live == nil {
		a.live = make(map[string][]Advertisement)
	}
	a.live[key] = append(a.live[key], ad)
}

func (a *advertisements) withdraw(key string) {
	a.mu.Lock()
	ads := a.live[key]
	delete(a.live, key)
	a.mu.Unlock()
	for _, ad := range ads {
		ad.Shutdown()
	}
}

func (a *advertisements) withdrawAll() {
	a.mu.Lock()
	live := a.live
	a.live = nil
	a.mu.Unlock()
	for _, ads := range live {
		for _, ad := range ads {
			ad.Shutdown()
		}
	}
}

// TXTRecords returns the DNS-SD TXT record of a device. adminURL may be
// empty.
func TXTRecords(desc *registry.Descriptor, adminURL string) []string {
	c := desc.Capabilities

	var formats []string
	var modes []string
	addMode := func(m string) {
		if !slices.Contains(modes, m) {
			modes = append(modes, m)
		}
	}
	for _, in := range []*escl.InputCaps{c.Platen, c.AdfSimplex, c.AdfDuplex} {
		if in == nil {
			continue
		}
		for _, p := range in.SettingProfiles {
			for _, f := range p.Formats() {
				if !slices.Contains(formats, f) {
					formats = append(formats, f)
				}
			}
			for _, m := range p.ColorModes {
				switch m {
				case escl.ColorModeRGB24, escl.ColorModeRGB48:
					addMode("color")
				case escl.ColorModeGrayscale8, escl.ColorModeGrayscale16:
					addMode("grayscale")
				case escl.ColorModeBlackAndWhite1:
					addMode("binary")
				}
			}
		}
	}

	var sources []string
	if c.Platen != nil {
		sources = append(sources, "platen")
	}
	if c.AdfSimplex != nil || c.AdfDuplex != nil {
		sources = append(sources, "adf")
	}
	duplex := "F"
	if c.AdfDuplex != nil {
		duplex = "T"
	}

	txt := []string{
		"txtvers=1",
		"ty=" + desc.Name,
		"uuid=" + desc.UUID.String(),
		"rs=eSCL",
		"vers=" + c.Version,
		"pdl=" + strings.Join(formats, ","),
		"cs=" + strings.Join(modes, ","),
		"is=" + strings.Join(sources, ","),
		"duplex=" + duplex,
	}
	if c.IconURI != "" {
		txt = append(txt, "representation="+c.IconURI)
	}
	if adminURL != "" {
		txt = append(txt, "adminurl="+adminURL)
	}
	return txt
}
