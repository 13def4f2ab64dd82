package escl

import (
	"fmt"
	"slices"
	"strings"
)

// XML namespaces used by eSCL documents.
const (
	NamespaceScan = "http://schemas.hp.com/imaging/escl/2011/05/03"
	NamespacePWG  = "http://www.pwg.org/schemas/2010/12/sm"
)

// DefaultVersion is the eSCL protocol version advertised by this package.
const DefaultVersion = "2.63"

// ColorMode is an eSCL color mode (scan:ColorMode).
type ColorMode int

const (
	ColorModeUnknown ColorMode = iota
	ColorModeBlackAndWhite1
	ColorModeGrayscale8
	ColorModeGrayscale16
	ColorModeRGB24
	ColorModeRGB48
)

var colorModeNames = map[ColorMode]string{
	ColorModeBlackAndWhite1: "BlackAndWhite1",
	ColorModeGrayscale8:     "Grayscale8",
	ColorModeGrayscale16:    "Grayscale16",
	ColorModeRGB24:          "RGB24",
	ColorModeRGB48:          "RGB48",
}

func (m ColorMode) String() string {
	if s, ok := colorModeNames[m]; ok {
		return s
	}
	return "Unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (m ColorMode) MarshalText() ([]byte, error) {
	if _, ok := colorModeNames[m]; !ok {
		return nil, fmt.Errorf("escl: invalid color mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// Modes outside the supported vocabulary decode to ColorModeUnknown.
func (m *ColorMode) UnmarshalText(b []byte) error {
	v, err := parseEnum(colorModeNames, string(b), "color mode")
	if err != nil {
		*m = ColorModeUnknown
		return nil
	}
	*m = v
	return nil
}

// InputSource selects the physical scan source (pwg:InputSource).
type InputSource int

const (
	InputSourceUnset InputSource = iota
	InputSourcePlaten
	InputSourceFeeder
	InputSourceCamera
)

var inputSourceNames = map[InputSource]string{
	InputSourcePlaten: "Platen",
	InputSourceFeeder: "Feeder",
	InputSourceCamera: "Camera",
}

func (s InputSource) String() string {
	if n, ok := inputSourceNames[s]; ok {
		return n
	}
	return "Unset"
}

// MarshalText implements encoding.TextMarshaler.
func (s InputSource) MarshalText() ([]byte, error) {
	if _, ok := inputSourceNames[s]; !ok {
		return nil, fmt.Errorf("escl: invalid input source %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *InputSource) UnmarshalText(b []byte) error {
	v, err := parseEnum(inputSourceNames, string(b), "input source")
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ScannerState is the overall device state (pwg:State).
type ScannerState int

const (
	ScannerStateIdle ScannerState = iota
	ScannerStateProcessing
	ScannerStateTesting
	ScannerStateStopped
	ScannerStateDown
)

var scannerStateNames = map[ScannerState]string{
	ScannerStateIdle:       "Idle",
	ScannerStateProcessing: "Processing",
	ScannerStateTesting:    "Testing",
	ScannerStateStopped:    "Stopped",
	ScannerStateDown:       "Down",
}

func (s ScannerState) String() string { return scannerStateNames[s] }

// MarshalText implements encoding.TextMarshaler.
func (s ScannerState) MarshalText() ([]byte, error) {
	if _, ok := scannerStateNames[s]; !ok {
		return nil, fmt.Errorf("escl: invalid scanner state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ScannerState) UnmarshalText(b []byte) error {
	v, err := parseEnum(scannerStateNames, string(b), "scanner state")
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// AdfState is the feeder state (scan:AdfState).
type AdfState int

const (
	AdfStateUnknown AdfState = iota
	AdfStateProcessing
	AdfStateEmpty
	AdfStateJam
	AdfStateLoaded
	AdfStateMispick
	AdfStateHatchOpen
	AdfStateDuplexPageTooShort
	AdfStateDuplexPageTooLong
	AdfStateMultipickDetected
	AdfStateInputTrayFailed
	AdfStateInputTrayOverloaded
)

var adfStateNames = map[AdfState]string{
	AdfStateProcessing:          "ScannerAdfProcessing",
	AdfStateEmpty:               "ScannerAdfEmpty",
	AdfStateJam:                 "ScannerAdfJam",
	AdfStateLoaded:              "ScannerAdfLoaded",
	AdfStateMispick:             "ScannerAdfMispick",
	AdfStateHatchOpen:           "ScannerAdfHatchOpen",
	AdfStateDuplexPageTooShort:  "ScannerAdfDuplexPageTooShort",
	AdfStateDuplexPageTooLong:   "ScannerAdfDuplexPageTooLong",
	AdfStateMultipickDetected:   "ScannerAdfMultipickDetected",
	AdfStateInputTrayFailed:     "ScannerAdfInputTrayFailed",
	AdfStateInputTrayOverloaded: "ScannerAdfInputTrayOverloaded",
}

func (s AdfState) String() string {
	if n, ok := adfStateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s AdfState) MarshalText() ([]byte, error) {
	if _, ok := adfStateNames[s]; !ok {
		return nil, fmt.Errorf("escl: invalid ADF state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// Unrecognized values decode to AdfStateUnknown.
func (s *AdfState) UnmarshalText(b []byte) error {
	v, err := parseEnum(adfStateNames, string(b), "ADF state")
	if err != nil {
		*s = AdfStateUnknown
		return nil
	}
	*s = v
	return nil
}

// JobState is the per-job state reported in scan:JobInfo.
type JobState int

const (
	JobStatePending JobState = iota
	JobStateProcessing
	JobStateCompleted
	JobStateCanceled
	JobStateAborted
)

var jobStateNames = map[JobState]string{
	JobStatePending:    "Pending",
	JobStateProcessing: "Processing",
	JobStateCompleted:  "Completed",
	JobStateCanceled:   "Canceled",
	JobStateAborted:    "Aborted",
}

func (s JobState) String() string { return jobStateNames[s] }

// Terminal reports whether no further transitions are expected.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateCanceled || s == JobStateAborted
}

// MarshalText implements encoding.TextMarshaler.
func (s JobState) MarshalText() ([]byte, error) {
	if _, ok := jobStateNames[s]; !ok {
		return nil, fmt.Errorf("escl: invalid job state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *JobState) UnmarshalText(b []byte) error {
	v, err := parseEnum(jobStateNames, string(b), "job state")
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// StatusTransition is a job-level signal emitted to the protocol engine.
type StatusTransition int

const (
	DeviceIdle StatusTransition = iota + 1
	AbortJob
	CancelJob
)

func (t StatusTransition) String() string {
	switch t {
	case DeviceIdle:
		return "DeviceIdle"
	case AbortJob:
		return "AbortJob"
	case CancelJob:
		return "CancelJob"
	}
	return fmt.Sprintf("StatusTransition(%d)", int(t))
}

func parseEnum[T comparable](names map[T]string, s, what string) (T, error) {
	s = strings.TrimSpace(s)
	for k, v := range names {
		if v == s {
			return k, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("escl: unknown %s %q", what, s)
}

// DiscreteResolution is one supported X/Y resolution pair in DPI.
type DiscreteResolution struct {
	XResolution int `xml:"XResolution"`
	YResolution int `xml:"YResolution"`
}

// Range is an eSCL min/max/normal/step range.
type Range struct {
	Min    int `xml:"Min"`
	Max    int `xml:"Max"`
	Normal int `xml:"Normal"`
	Step   int `xml:"Step"`
}

// maxRangeValues caps how many values Values expands a range into.
const maxRangeValues = 256

// Values expands the range into its discrete values, ascending, keeping
// at most the first maxRangeValues. Normal is included when it lies off
// the step grid.
func (r Range) Values() []int {
	if r.Step <= 0 || r.Max < r.Min {
		return []int{r.Min}
	}
	var out []int
	for v := r.Min; len(out) < maxRangeValues; v += r.Step {
		out = append(out, v)
		// Unsigned distance to Max cannot overflow.
		if uint(r.Max)-uint(v) < uint(r.Step) {
			break
		}
	}
	if r.Normal >= r.Min && r.Normal <= r.Max && !slices.Contains(out, r.Normal) {
		out = append(out, r.Normal)
		slices.Sort(out)
	}
	return out
}

// ResolutionRange holds independent X and Y resolution ranges.
type ResolutionRange struct {
	X Range `xml:"XResolutionRange"`
	Y Range `xml:"YResolutionRange"`
}

// SettingProfile is one combination of supported scan settings.
type SettingProfile struct {
	ColorModes          []ColorMode          `xml:"ColorModes>ColorMode"`
	DocumentFormats     []string             `xml:"DocumentFormats>DocumentFormat"`
	DocumentFormatsExt  []string             `xml:"DocumentFormats>DocumentFormatExt"`
	DiscreteResolutions []DiscreteResolution `xml:"SupportedResolutions>DiscreteResolutions>DiscreteResolution"`
	ResolutionRange     *ResolutionRange     `xml:"SupportedResolutions>ResolutionRange"`
}

// Resolutions lists every resolution offered by the profile, ascending.
func (p SettingProfile) Resolutions() []int {
	var out []int
	for _, r := range p.DiscreteResolutions {
		out = append(out, max(r.XResolution, r.YResolution))
	}
	if p.ResolutionRange != nil {
		out = append(out, p.ResolutionRange.X.Values()...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Formats returns the union of DocumentFormats and DocumentFormatsExt.
func (p SettingProfile) Formats() []string {
	out := slices.Clone(p.DocumentFormats)
	for _, f := range p.DocumentFormatsExt {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// InputCaps describes one scan source. Dimensions are in 1/300 inch.
type InputCaps struct {
	MinWidth        int              `xml:"MinWidth"`
	MaxWidth        int              `xml:"MaxWidth"`
	MinHeight       int              `xml:"MinHeight"`
	MaxHeight       int              `xml:"MaxHeight"`
	SettingProfiles []SettingProfile `xml:"SettingProfiles>SettingProfile"`
}

// Capabilities is the scan:ScannerCapabilities document.
type Capabilities struct {
	Version      string     `xml:"Version"`
	MakeAndModel string     `xml:"MakeAndModel"`
	SerialNumber string     `xml:"SerialNumber"`
	UUID         string     `xml:"UUID"`
	AdminURI     string     `xml:"AdminURI"`
	IconURI      string     `xml:"IconURI"`
	Platen       *InputCaps `xml:"Platen>PlatenInputCaps"`
	AdfSimplex   *InputCaps `xml:"Adf>AdfSimplexInputCaps"`
	AdfDuplex    *InputCaps `xml:"Adf>AdfDuplexInputCaps"`
}

// Sources returns the input caps in platen, simplex, duplex order, skipping nil entries.
func (c *Capabilities) Sources() []*InputCaps {
	var out []*InputCaps
	for _, in := range []*InputCaps{c.Platen, c.AdfSimplex, c.AdfDuplex} {
		if in != nil && !slices.Contains(out, in) {
			out = append(out, in)
		}
	}
	return out
}

// Region is a scan area in 1/300 inch.
type Region struct {
	Width   int `xml:"Width"`
	Height  int `xml:"Height"`
	XOffset int `xml:"XOffset"`
	YOffset int `xml:"YOffset"`
}

// ScanSettings is the scan:ScanSettings document negotiated for one job.
type ScanSettings struct {
	Version        string      `xml:"Version"`
	Region         Region      `xml:"ScanRegions>ScanRegion"`
	DocumentFormat string      `xml:"DocumentFormat"`
	FormatExt      string      `xml:"DocumentFormatExt"`
	InputSource    InputSource `xml:"InputSource"`
	XResolution    int         `xml:"XResolution"`
	YResolution    int         `xml:"YResolution"`
	ColorMode      ColorMode   `xml:"ColorMode"`
	Duplex         bool        `xml:"Duplex"`
	Brightness     *int        `xml:"Brightness"`
	Contrast       *int        `xml:"Contrast"`
	Threshold      *int        `xml:"Threshold"`
}

// Format returns the requested document format, preferring DocumentFormatExt.
func (s ScanSettings) Format() string {
	if s.FormatExt != "" {
		return s.FormatExt
	}
	return s.DocumentFormat
}

// JobInfo is the status of one job in scan:ScannerStatus.
type JobInfo struct {
	URI              string   `xml:"JobUri"`
	UUID             string   `xml:"JobUuid"`
	Age              int      `xml:"Age"`
	ImagesCompleted  int      `xml:"ImagesCompleted"`
	ImagesToTransfer int      `xml:"ImagesToTransfer"`
	State            JobState `xml:"JobState"`
	StateReasons     []string `xml:"JobStateReasons>JobStateReason"`
}

// ScannerStatus is the scan:ScannerStatus document.
type ScannerStatus struct {
	Version  string
	State    ScannerState
	AdfState AdfState
	Jobs     map[string]JobInfo
}
