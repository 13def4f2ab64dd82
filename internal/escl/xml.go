package escl

import (
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"slices"
	"strconv"
)

// ContentRegionUnits is the only region unit this package produces.
const ContentRegionUnits = "escl:ThreeHundredthsOfInches"

// xmlWriter emits prefixed eSCL elements. encoding/xml cannot produce
// fixed prefixes from struct tags, so documents are written token by token.
// Decoding uses the struct tags, which match local names in any namespace.
type xmlWriter struct {
	w   io.Writer
	enc *xml.Encoder
	err error
}

func newXMLWriter(w io.Writer) *xmlWriter {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return &xmlWriter{w: w, enc: enc}
}

func (x *xmlWriter) root(name string) {
	if _, err := io.WriteString(x.w, xml.Header); err != nil {
		x.err = err
		return
	}
	x.open(name,
		xml.Attr{Name: xml.Name{Local: "xmlns:scan"}, Value: NamespaceScan},
		xml.Attr{Name: xml.Name{Local: "xmlns:pwg"}, Value: NamespacePWG},
	)
}

func (x *xmlWriter) open(name string, attrs ...xml.Attr) {
	if x.err != nil {
		return
	}
	x.err = x.enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs})
}

func (x *xmlWriter) close(name string) {
	if x.err != nil {
		return
	}
	x.err = x.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: name}})
}

func (x *xmlWriter) text(name, value string) {
	x.open(name)
	if x.err == nil {
		x.err = x.enc.EncodeToken(xml.CharData(value))
	}
	x.close(name)
}

func (x *xmlWriter) optText(name, value string) {
	if value != "" {
		x.text(name, value)
	}
}

func (x *xmlWriter) int(name string, v int) {
	x.text(name, strconv.Itoa(v))
}

func (x *xmlWriter) optInt(name string, v *int) {
	if v != nil {
		x.int(name, *v)
	}
}

func (x *xmlWriter) marshaler(name string, v interface{ MarshalText() ([]byte, error) }) {
	if x.err != nil {
		return
	}
	b, err := v.MarshalText()
	if err != nil {
		x.err = err
		return
	}
	x.text(name, string(b))
}

func (x *xmlWriter) finish() error {
	if x.err != nil {
		return x.err
	}
	if err := x.enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(x.w, "\n")
	return err
}

// MarshalCapabilities writes c as a scan:ScannerCapabilities document.
func MarshalCapabilities(w io.Writer, c *Capabilities) error {
	x := newXMLWriter(w)
	x.root("scan:ScannerCapabilities")
	x.text("pwg:Version", versionOrDefault(c.Version))
	x.text("pwg:MakeAndModel", c.MakeAndModel)
	x.optText("pwg:SerialNumber", c.SerialNumber)
	x.optText("scan:UUID", c.UUID)
	x.optText("scan:AdminURI", c.AdminURI)
	x.optText("scan:IconURI", c.IconURI)
	if c.Platen != nil {
		x.open("scan:Platen")
		writeInputCaps(x, "scan:PlatenInputCaps", c.Platen)
		x.close("scan:Platen")
	}
	if c.AdfSimplex != nil || c.AdfDuplex != nil {
		x.open("scan:Adf")
		if c.AdfSimplex != nil {
			writeInputCaps(x, "scan:AdfSimplexInputCaps", c.AdfSimplex)
		}
		if c.AdfDuplex != nil {
			writeInputCaps(x, "scan:AdfDuplexInputCaps", c.AdfDuplex)
		}
		x.close("scan:Adf")
	}
	x.close("scan:ScannerCapabilities")
	return x.finish()
}

func writeInputCaps(x *xmlWriter, name string, in *InputCaps) {
	x.open(name)
	if in.MinWidth > 0 {
		x.int("scan:MinWidth", in.MinWidth)
	}
	if in.MaxWidth > 0 {
		x.int("scan:MaxWidth", in.MaxWidth)
	}
	if in.MinHeight > 0 {
		x.int("scan:MinHeight", in.MinHeight)
	}
	if in.MaxHeight > 0 {
		x.int("scan:MaxHeight", in.MaxHeight)
	}
	x.open("scan:SettingProfiles")
	for _, p := range in.SettingProfiles {
		writeProfile(x, p)
	}
	x.close("scan:SettingProfiles")
	x.close(name)
}

func writeProfile(x *xmlWriter, p SettingProfile) {
	x.open("scan:SettingProfile")
	x.open("scan:ColorModes")
	for _, m := range p.ColorModes {
		if m == ColorModeUnknown {
			continue
		}
		x.marshaler("scan:ColorMode", m)
	}
	x.close("scan:ColorModes")
	x.open("scan:DocumentFormats")
	for _, f := range p.DocumentFormats {
		x.text("pwg:DocumentFormat", f)
	}
	for _, f := range p.DocumentFormatsExt {
		x.text("scan:DocumentFormatExt", f)
	}
	x.close("scan:DocumentFormats")
	x.open("scan:SupportedResolutions")
	if len(p.DiscreteResolutions) > 0 {
		x.open("scan:DiscreteResolutions")
		for _, r := range p.DiscreteResolutions {
			x.open("scan:DiscreteResolution")
			x.int("scan:XResolution", r.XResolution)
			x.int("scan:YResolution", r.YResolution)
			x.close("scan:DiscreteResolution")
		}
		x.close("scan:DiscreteResolutions")
	}
	if r := p.ResolutionRange; r != nil {
		x.open("scan:ResolutionRange")
		writeRange(x, "scan:XResolutionRange", r.X)
		writeRange(x, "scan:YResolutionRange", r.Y)
		x.close("scan:ResolutionRange")
	}
	x.close("scan:SupportedResolutions")
	x.close("scan:SettingProfile")
}

func writeRange(x *xmlWriter, name string, r Range) {
	x.open(name)
	x.int("scan:Min", r.Min)
	x.int("scan:Max", r.Max)
	x.int("scan:Normal", r.Normal)
	x.int("scan:Step", r.Step)
	x.close(name)
}

// UnmarshalCapabilities decodes a scan:ScannerCapabilities document.
func UnmarshalCapabilities(data []byte) (*Capabilities, error) {
	var c Capabilities
	if err := decodeRoot(data, "ScannerCapabilities", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// MarshalScanSettings writes s as a scan:ScanSettings document.
func MarshalScanSettings(w io.Writer, s *ScanSettings) error {
	x := newXMLWriter(w)
	x.root("scan:ScanSettings")
	x.text("pwg:Version", versionOrDefault(s.Version))
	if s.Region.Width > 0 && s.Region.Height > 0 {
		x.open("pwg:ScanRegions")
		x.open("pwg:ScanRegion")
		x.int("pwg:Height", s.Region.Height)
		x.text("pwg:ContentRegionUnits", ContentRegionUnits)
		x.int("pwg:Width", s.Region.Width)
		x.int("pwg:XOffset", s.Region.XOffset)
		x.int("pwg:YOffset", s.Region.YOffset)
		x.close("pwg:ScanRegion")
		x.close("pwg:ScanRegions")
	}
	x.optText("pwg:DocumentFormat", s.DocumentFormat)
	x.optText("scan:DocumentFormatExt", s.FormatExt)
	if s.InputSource != InputSourceUnset {
		x.marshaler("pwg:InputSource", s.InputSource)
	}
	if s.XResolution > 0 {
		x.int("scan:XResolution", s.XResolution)
	}
	if s.YResolution > 0 {
		x.int("scan:YResolution", s.YResolution)
	}
	if s.ColorMode != ColorModeUnknown {
		x.marshaler("scan:ColorMode", s.ColorMode)
	}
	if s.InputSource == InputSourceFeeder {
		x.text("scan:Duplex", strconv.FormatBool(s.Duplex))
	}
	x.optInt("scan:Brightness", s.Brightness)
	x.optInt("scan:Contrast", s.Contrast)
	x.optInt("scan:Threshold", s.Threshold)
	x.close("scan:ScanSettings")
	return x.finish()
}

// UnmarshalScanSettings decodes a scan:ScanSettings document.
func UnmarshalScanSettings(data []byte) (*ScanSettings, error) {
	var s ScanSettings
	if err := decodeRoot(data, "ScanSettings", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MarshalStatus writes s as a scan:ScannerStatus document. Jobs are
// written in key order.
func MarshalStatus(w io.Writer, s *ScannerStatus) error {
	x := newXMLWriter(w)
	x.root("scan:ScannerStatus")
	x.text("pwg:Version", versionOrDefault(s.Version))
	x.marshaler("pwg:State", s.State)
	if s.AdfState != AdfStateUnknown {
		x.marshaler("scan:AdfState", s.AdfState)
	}
	if len(s.Jobs) > 0 {
		keys := make([]string, 0, len(s.Jobs))
		for k := range s.Jobs {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		x.open("scan:Jobs")
		for _, k := range keys {
			j := s.Jobs[k]
			x.open("scan:JobInfo")
			x.optText("pwg:JobUri", j.URI)
			x.text("pwg:JobUuid", jobKey(k, j))
			x.int("scan:Age", j.Age)
			x.int("pwg:ImagesCompleted", j.ImagesCompleted)
			x.int("pwg:ImagesToTransfer", j.ImagesToTransfer)
			x.marshaler("pwg:JobState", j.State)
			if len(j.StateReasons) > 0 {
				x.open("pwg:JobStateReasons")
				for _, r := range j.StateReasons {
					x.text("pwg:JobStateReason", r)
				}
				x.close("pwg:JobStateReasons")
			}
			x.close("scan:JobInfo")
		}
		x.close("scan:Jobs")
	}
	x.close("scan:ScannerStatus")
	return x.finish()
}

type statusXML struct {
	Version  string       `xml:"Version"`
	State    ScannerState `xml:"State"`
	AdfState AdfState     `xml:"AdfState"`
	Jobs     []JobInfo    `xml:"Jobs>JobInfo"`
}

// UnmarshalStatus decodes a scan:ScannerStatus document. Jobs are keyed
// by JobUuid, or by the last path element of JobUri when no UUID is given.
func UnmarshalStatus(data []byte) (*ScannerStatus, error) {
	var raw statusXML
	if err := decodeRoot(data, "ScannerStatus", &raw); err != nil {
		return nil, err
	}
	s := &ScannerStatus{
		Version:  raw.Version,
		State:    raw.State,
		AdfState: raw.AdfState,
		Jobs:     make(map[string]JobInfo, len(raw.Jobs)),
	}
	for _, j := range raw.Jobs {
		s.Jobs[jobKey("", j)] = j
	}
	return s, nil
}

func jobKey(key string, j JobInfo) string {
	switch {
	case j.UUID != "":
		return j.UUID
	case key != "":
		return key
	default:
		return path.Base(j.URI)
	}
}

func decodeRoot(data []byte, local string, v any) error {
	var probe struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("escl: decode %s: %w", local, err)
	}
	if probe.XMLName.Local != local {
		return fmt.Errorf("escl: unexpected root element %q, want %q", probe.XMLName.Local, local)
	}
	if err := xml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("escl: decode %s: %w", local, err)
	}
	return nil
}

func versionOrDefault(v string) string {
	if v == "" {
		return DefaultVersion
	}
	return v
}
