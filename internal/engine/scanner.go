package engine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"slices"

	"github.com/OpenPrinting/go-mfp/abstract"
	"github.com/OpenPrinting/go-mfp/util/generic"
	mfpuuid "github.com/OpenPrinting/go-mfp/util/uuid"
	"github.com/google/uuid"

	"github.com/mzyy94/esclbridge/internal/capture"
	"github.com/mzyy94/esclbridge/internal/escl"
	"github.com/mzyy94/esclbridge/internal/job"
	"github.com/mzyy94/esclbridge/internal/registry"
)

// scanner implements abstract.Scanner for one registered device.
type scanner struct {
	desc    *registry.Descriptor
	caps    *abstract.ScannerCapabilities
	jobs    *jobTable
	metrics *metrics
}

func newScanner(desc *registry.Descriptor, jobs *jobTable, m *metrics) *scanner {
	return &scanner{
		desc:    desc,
		caps:    buildCapabilities(desc),
		jobs:    jobs,
		metrics: m,
	}
}

// buildCapabilities converts the descriptor's eSCL capabilities to the
// abstract model. Resolution ranges are expanded to discrete values.
func buildCapabilities(desc *registry.Descriptor) *abstract.ScannerCapabilities {
	c := desc.Capabilities
	caps := &abstract.ScannerCapabilities{
		UUID:         mfpuuid.SHA1(mfpuuid.NameSpaceDNS, registry.UUIDName(desc.Key.Driver, desc.Key.Device)),
		MakeAndModel: c.MakeAndModel,
		SerialNumber: c.SerialNumber,
	}
	if caps.SerialNumber == "" {
		caps.SerialNumber = desc.UUID.String()
	}

	// Sources sharing one InputCaps share one converted value too.
	converted := make(map[*escl.InputCaps]*abstract.InputCapabilities)
	convert := func(in *escl.InputCaps) *abstract.InputCapabilities {
		if in == nil {
			return nil
		}
		if out, ok := converted[in]; ok {
			return out
		}
		out := inputCapabilities(in)
		converted[in] = out
		for _, p := range in.SettingProfiles {
			for _, f := range p.Formats() {
				if !slices.Contains(caps.DocumentFormats, f) {
					caps.DocumentFormats = append(caps.DocumentFormats, f)
				}
			}
		}
		return out
	}
	caps.Platen = convert(c.Platen)
	caps.ADFSimplex = convert(c.AdfSimplex)
	caps.ADFDuplex = convert(c.AdfDuplex)
	if caps.ADFSimplex != nil || caps.ADFDuplex != nil {
		caps.ADFCapacity = 50
	}
	if len(caps.DocumentFormats) == 0 {
		caps.DocumentFormats = []string{job.FormatJPEG, job.FormatPDF}
	}
	return caps
}

func inputCapabilities(in *escl.InputCaps) *abstract.InputCapabilities {
	out := &abstract.InputCapabilities{
		MinWidth:  capture.FromThreeHundredths(in.MinWidth),
		MaxWidth:  capture.FromThreeHundredths(in.MaxWidth),
		MinHeight: capture.FromThreeHundredths(in.MinHeight),
		MaxHeight: capture.FromThreeHundredths(in.MaxHeight),
		Intents: generic.MakeBitset(
			abstract.IntentDocument,
			abstract.IntentPhoto,
			abstract.IntentTextAndGraphic,
		),
	}
	if out.MaxWidth == 0 {
		out.MaxWidth = 216 * abstract.Millimeter
	}
	if out.MaxHeight == 0 {
		out.MaxHeight = 297 * abstract.Millimeter
	}

	for _, p := range in.SettingProfiles {
		var modes []abstract.ColorMode
		for _, m := range p.ColorModes {
			var am abstract.ColorMode
			switch m {
			case escl.ColorModeRGB24, escl.ColorModeRGB48:
				am = abstract.ColorModeColor
			case escl.ColorModeGrayscale8, escl.ColorModeGrayscale16:
				am = abstract.ColorModeMono
			case escl.ColorModeBlackAndWhite1:
				am = abstract.ColorModeBinary
			default:
				continue
			}
			if !slices.Contains(modes, am) {
				modes = append(modes, am)
			}
		}

		profile := abstract.SettingsProfile{
			ColorModes:       generic.MakeBitset(modes...),
			Depths:           generic.MakeBitset(abstract.ColorDepth8),
			BinaryRenderings: generic.MakeBitset(abstract.BinaryRenderingThreshold),
		}
		for _, r := range p.Resolutions() {
			profile.Resolutions = append(profile.Resolutions, abstract.Resolution{XResolution: r, YResolution: r})
			out.MaxOpticalXResolution = max(out.MaxOpticalXResolution, r)
			out.MaxOpticalYResolution = max(out.MaxOpticalYResolution, r)
		}
		out.Profiles = append(out.Profiles, profile)
	}
	return out
}

func (s *scanner) Capabilities() *abstract.ScannerCapabilities { return s.caps }

// Scan validates the request and starts a job on the device. The job's
// transitions feed the device job table from the moment it is created.
func (s *scanner) Scan(ctx context.Context, req abstract.ScannerRequest) (abstract.Document, error) {
	if err := req.Validate(s.caps); err != nil {
		return nil, err
	}

	settings := requestSettings(req)
	id := uuid.New()
	s.jobs.add(id.String(), settings)
	s.metrics.jobCreated(ctx, s.desc.Key.Driver)

	slog.Info("scan requested",
		"device", s.desc.Key,
		"job", id,
		"colorMode", settings.ColorMode,
		"resolution", settings.XResolution,
		"source", settings.InputSource,
		"duplex", settings.Duplex,
		"format", settings.Format(),
	)

	a, err := s.desc.CreateJob(ctx, settings, job.Options{
		OnTransition: func(t escl.StatusTransition) {
			s.jobs.transition(id.String(), t)
			s.metrics.transition(context.Background(), s.desc.Key.Driver, t)
		},
	})
	if err != nil {
		return nil, err
	}
	s.jobs.attach(id.String(), a)

	res := req.Resolution
	if res.IsZero() {
		dpi := a.Options().Resolution
		if dpi <= 0 {
			dpi = 300
		}
		res = abstract.Resolution{XResolution: dpi, YResolution: dpi}
	}
	return &document{adapter: a, res: res}, nil
}

func (s *scanner) Close() error { return nil }

// requestSettings maps an abstract request onto eSCL scan settings.
func requestSettings(req abstract.ScannerRequest) escl.ScanSettings {
	s := escl.ScanSettings{
		Version:        escl.DefaultVersion,
		DocumentFormat: req.DocumentFormat,
		XResolution:    req.Resolution.XResolution,
		YResolution:    req.Resolution.YResolution,
	}
	if s.DocumentFormat == "" {
		s.DocumentFormat = job.FormatJPEG
	}

	switch req.ColorMode {
	case abstract.ColorModeMono:
		s.ColorMode = escl.ColorModeGrayscale8
	case abstract.ColorModeBinary:
		s.ColorMode = escl.ColorModeBlackAndWhite1
	default:
		s.ColorMode = escl.ColorModeRGB24
	}

	switch req.Input {
	case abstract.InputADF:
		s.InputSource = escl.InputSourceFeeder
		s.Duplex = req.ADFMode == abstract.ADFModeDuplex
	default:
		s.InputSource = escl.InputSourcePlaten
	}

	if req.Threshold != nil {
		v := *req.Threshold
		s.Threshold = &v
	}

	if req.Region.Width > 0 && req.Region.Height > 0 {
		s.Region = escl.Region{
			Width:   capture.ToThreeHundredths(req.Region.Width),
			Height:  capture.ToThreeHundredths(req.Region.Height),
			XOffset: capture.ToThreeHundredths(req.Region.XOffset),
			YOffset: capture.ToThreeHundredths(req.Region.YOffset),
		}
	}
	return s
}

// document streams job pages to the eSCL server.
type document struct {
	adapter *job.Adapter
	res     abstract.Resolution
}

func (d *document) Resolution() abstract.Resolution { return d.res }

func (d *document) Next() (abstract.DocumentFile, error) {
	ok, err := d.adapter.WaitForNextDocument(context.Background())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, io.EOF
	}
	var buf bytes.Buffer
	if err := d.adapter.WriteDocumentTo(&buf); err != nil {
		return nil, err
	}
	return &documentFile{Reader: bytes.NewReader(buf.Bytes()), format: d.adapter.Format()}, nil
}

// Close cancels the job unless every page was delivered.
func (d *document) Close() error {
	if !d.adapter.Finished() {
		d.adapter.Cancel()
	}
	return nil
}

type documentFile struct {
	*bytes.Reader
	format string
}

func (f *documentFile) Format() string { return f.format }
