package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mzyy94/esclbridge/internal/capture"
	"github.com/mzyy94/esclbridge/internal/capture/remote"
	"github.com/mzyy94/esclbridge/internal/capture/testpattern"
	"github.com/mzyy94/esclbridge/internal/config"
	"github.com/mzyy94/esclbridge/internal/discovery"
	"github.com/mzyy94/esclbridge/internal/engine"
	"github.com/mzyy94/esclbridge/internal/escl"
	"github.com/mzyy94/esclbridge/internal/registry"
	"github.com/mzyy94/esclbridge/internal/usb"
	"github.com/mzyy94/esclbridge/internal/webui"
)

const browseTimeout = 3 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("ESCLBRIDGE_CONFIG"), "path to a YAML config file")
	discover := flag.Bool("discover", false, "list eSCL scanners on the network and exit")
	listUSB := flag.Bool("list-usb", false, "list attached IPP-USB devices and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()})))
	policy, _ := cfg.Policy() // validated by Load

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case *discover:
		if err := printServices(ctx, policy); err != nil {
			slog.Error("discovery failed", "err", err)
			os.Exit(1)
		}
		return
	case *listUSB:
		printUSB(usb.NewPoller().Poll(ctx))
		return
	}

	if err := run(ctx, cfg, policy); err != nil {
		slog.Error("esclbridge failed", "err", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, policy escl.SecurityPolicy) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := config.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}

	localIP := discovery.LocalIP("")
	var adminURL string
	if cfg.AdminPort > 0 {
		adminURL = fmt.Sprintf("http://%s/", net.JoinHostPort(localIP, strconv.Itoa(cfg.AdminPort)))
	}

	eng, err := engine.New(engine.Options{
		Host:       cfg.Host,
		BasePort:   cfg.BasePort,
		Policy:     policy,
		TLSCert:    cfg.TLSCert,
		TLSKey:     cfg.TLSKey,
		AdminURL:   adminURL,
		Store:      store,
		Advertiser: engine.Zeroconf{Domain: discovery.Domain},
	})
	if err != nil {
		return err
	}
	reg := registry.New(eng)
	if err := reg.Start(ctx); err != nil {
		return err
	}

	drv := remote.New()
	for _, d := range cfg.Devices {
		if err := registerConfigured(ctx, reg, drv, d, policy); err != nil {
			slog.Error("device setup failed", "device", d.ID, "err", err)
		}
	}
	for _, info := range eng.Devices() {
		slog.Info("eSCL device serving", "name", info.Name,
			"url", fmt.Sprintf("http://%s/eSCL", net.JoinHostPort(localIP, strconv.Itoa(info.Port))))
	}

	poller := usb.NewPoller()
	usbDone := make(chan struct{})
	if cfg.USB.Publish {
		w := newUSBWatcher(reg, drv, cfg.USB.PollInterval)
		go func() {
			defer close(usbDone)
			w.run(ctx)
		}()
	} else {
		close(usbDone)
	}

	var admin *http.Server
	if cfg.AdminPort > 0 {
		admin = &http.Server{
			Addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.AdminPort)),
			Handler: engine.LogMiddleware("admin", webui.NewHandler(webui.Options{
				Engine: eng,
				USB:    poller,
				Browse: func(ctx context.Context) ([]discovery.Service, error) {
					services, err := discovery.Browse(ctx, browseTimeout)
					if err != nil {
						return nil, err
					}
					return discovery.Select(services, policy), nil
				},
				Host: localIP,
			})),
		}
		go func() {
			slog.Info("admin server starting", "url", adminURL)
			if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server error", "err", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin shutdown error", "err", err)
		}
	}
	<-usbDone
	return reg.Stop(shutdownCtx)
}

func registerConfigured(ctx context.Context, reg *registry.Registry, drv *remote.Driver, d config.DeviceConfig, policy escl.SecurityPolicy) error {
	dev := capture.Device{ID: d.ID, Name: d.Name}
	switch d.Driver {
	case config.DriverTestPattern:
		_, err := reg.RegisterDevice(ctx, testpattern.New(max(d.Pages, 1)), dev, d.Name)
		return err
	case config.DriverRemote:
		opts, err := d.Root()
		if err != nil {
			return err
		}
		opts.Policy = policy
		c, err := escl.NewClient(opts)
		if err != nil {
			return err
		}
		drv.Add(d.ID, c)
		_, err = reg.RegisterDevice(ctx, drv, dev, d.Name)
		return err
	}
	return fmt.Errorf("unknown driver %q", d.Driver)
}

func printServices(ctx context.Context, policy escl.SecurityPolicy) error {
	services, err := discovery.Browse(ctx, browseTimeout)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tUUID\tURL")
	for _, s := range discovery.Select(services, policy) {
		url := "-"
		if c, err := s.Client(policy); err == nil {
			url = c.BaseURL()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name(), s.TXT["uuid"], url)
	}
	return tw.Flush()
}

func printUSB(devs []usb.Descriptor) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tBUS\tADDRESS")
	for _, d := range devs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", d.ID(), d.Name(), d.Bus, d.Address)
	}
	_ = tw.Flush()
}
