// Package webui serves the admin API of the bridge.
package webui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mzyy94/esclbridge/internal/discovery"
	"github.com/mzyy94/esclbridge/internal/engine"
	"github.com/mzyy94/esclbridge/internal/escl"
	"github.com/mzyy94/esclbridge/internal/job"
	"github.com/mzyy94/esclbridge/internal/usb"
)

// Engine is the part of the protocol engine the API reads.
type Engine interface {
	Devices() []engine.DeviceInfo
	Job(id string) (*job.Adapter, bool)
}

// USBLister enumerates attached IPP-USB devices.
type USBLister interface {
	Poll(ctx context.Context) []usb.Descriptor
}

// BrowseFunc lists eSCL scanners on the network.
type BrowseFunc func(ctx context.Context) ([]discovery.Service, error)

// Options configures the handler. Nil USB and Browse disable their routes.
type Options struct {
	Engine Engine
	USB    USBLister
	Browse BrowseFunc
	// Host is used in the eSCL URLs reported for each device.
	Host string
}

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type handler struct {
	opts Options
}

// NewHandler creates the admin HTTP handler.
func NewHandler(opts Options) http.Handler {
	h := &handler{opts: opts}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/usb", h.handleUSB)
	mux.HandleFunc("GET /api/discover", h.handleDiscover)
	mux.HandleFunc("GET /api/jobs/{id}", h.handleJob)
	mux.HandleFunc("GET /api/jobs/{id}/progress", h.handleProgress)
	return mux
}

type statusResponse struct {
	Devices   []deviceStatus `json:"devices"`
	UpdatedAt string         `json:"updatedAt"`
}

type deviceStatus struct {
	engine.DeviceInfo
	State    string      `json:"state"`
	ADF      string      `json:"adf"`
	ESCLUrl  string      `json:"esclUrl,omitempty"`
	ESCLSUrl string      `json:"esclsUrl,omitempty"`
	Jobs     []jobStatus `json:"jobs"`
}

type jobStatus struct {
	ID     string        `json:"id"`
	State  escl.JobState `json:"state"`
	Images int           `json:"images"`
	Age    int           `json:"age"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Devices:   []deviceStatus{},
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, d := range h.opts.Engine.Devices() {
		ds := deviceStatus{
			DeviceInfo: d,
			State:      escl.ScannerStateIdle.String(),
			ADF:        escl.AdfStateUnknown.String(),
			Jobs:       []jobStatus{},
		}
		if d.Port > 0 {
			ds.ESCLUrl = fmt.Sprintf("http://%s/eSCL", net.JoinHostPort(h.opts.Host, strconv.Itoa(d.Port)))
		}
		if d.TLSPort > 0 {
			ds.ESCLSUrl = fmt.Sprintf("https://%s/eSCL", net.JoinHostPort(h.opts.Host, strconv.Itoa(d.TLSPort)))
		}
		if st := d.Status; st != nil {
			ds.State = st.State.String()
			ds.ADF = st.AdfState.String()
			for id, j := range st.Jobs {
				ds.Jobs = append(ds.Jobs, jobStatus{ID: id, State: j.State, Images: j.ImagesCompleted, Age: j.Age})
			}
		}
		resp.Devices = append(resp.Devices, ds)
	}
	writeJSON(w, resp)
}

func (h *handler) handleUSB(w http.ResponseWriter, r *http.Request) {
	if h.opts.USB == nil {
		http.Error(w, "usb disabled", http.StatusNotFound)
		return
	}
	devs := h.opts.USB.Poll(r.Context())
	if devs == nil {
		devs = []usb.Descriptor{}
	}
	writeJSON(w, devs)
}

func (h *handler) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if h.opts.Browse == nil {
		http.Error(w, "discovery disabled", http.StatusNotFound)
		return
	}
	services, err := h.opts.Browse(r.Context())
	if err != nil {
		slog.Warn("discovery failed", "err", err)
		http.Error(w, "discovery failed", http.StatusBadGateway)
		return
	}
	if services == nil {
		services = []discovery.Service{}
	}
	writeJSON(w, services)
}

type jobResponse struct {
	ID        string  `json:"id"`
	Started   bool    `json:"started"`
	Finished  bool    `json:"finished"`
	Succeeded bool    `json:"succeeded"`
	Pages     int     `json:"pages"`
	Progress  float64 `json:"progress"`
	Format    string  `json:"format,omitempty"`
}

func (h *handler) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, ok := h.opts.Engine.Job(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	resp := jobResponse{ID: id}
	if a != nil {
		resp.Started = true
		resp.Finished = a.Finished()
		resp.Succeeded = a.Succeeded()
		resp.Pages = a.PagesCompleted()
		resp.Progress = a.Progress()
		resp.Format = a.Format()
	}
	writeJSON(w, resp)
}

// progressMessage is one websocket frame of the progress stream.
type progressMessage struct {
	Type      string  `json:"type"` // "progress" or "done"
	Page      int     `json:"page,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	Succeeded bool    `json:"succeeded,omitempty"`
	Pages     int     `json:"pages,omitempty"`
}

func (h *handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	a, ok := h.opts.Engine.Job(r.PathValue("id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if a == nil {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "job starting", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reading is needed to see the peer's close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := streamProgress(ctx, a, conn); err != nil {
		slog.Debug("progress stream ended", "err", err)
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

func streamProgress(ctx context.Context, a *job.Adapter, conn *websocket.Conn) error {
	pw := &progressWriter{conn: conn, adapter: a}
pages:
	for !a.Finished() {
		if err := a.WriteProgressTo(ctx, pw); err != nil {
			return err
		}
		select {
		case <-a.Done():
			break pages
		default:
		}
	}
	select {
	case <-a.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return pw.send(progressMessage{Type: "done", Succeeded: a.Succeeded(), Pages: a.PagesCompleted()})
}

// progressWriter turns the adapter's progress lines into websocket frames.
type progressWriter struct {
	conn    *websocket.Conn
	adapter *job.Adapter
}

func (p *progressWriter) Write(b []byte) (int, error) {
	for _, line := range bytes.Fields(b) {
		v, err := strconv.ParseFloat(string(line), 64)
		if err != nil {
			return 0, err
		}
		msg := progressMessage{Type: "progress", Page: p.adapter.PagesCompleted() + 1, Progress: v}
		if err := p.send(msg); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

func (p *progressWriter) send(msg progressMessage) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return p.conn.WriteJSON(msg)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("json response failed", "err", err)
	}
}
