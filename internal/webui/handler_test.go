package webui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzyy94/esclbridge/internal/capture"
	"github.com/mzyy94/esclbridge/internal/capture/testpattern"
	"github.com/mzyy94/esclbridge/internal/discovery"
	"github.com/mzyy94/esclbridge/internal/engine"
	"github.com/mzyy94/esclbridge/internal/escl"
	"github.com/mzyy94/esclbridge/internal/job"
	"github.com/mzyy94/esclbridge/internal/usb"
)

type fakeEngine struct {
	devices []engine.DeviceInfo
	jobs    map[string]*job.Adapter
}

func (f *fakeEngine) Devices() []engine.DeviceInfo { return f.devices }

func (f *fakeEngine) Job(id string) (*job.Adapter, bool) {
	a, ok := f.jobs[id]
	return a, ok
}

type fakeUSB struct{ devs []usb.Descriptor }

func (f fakeUSB) Poll(context.Context) []usb.Descriptor { return f.devs }

func startJob(t *testing.T, pages int) *job.Adapter {
	t.Helper()
	drv := testpattern.New(pages)
	drv.Delay = 10 * time.Millisecond
	drv.MaxEdge = 32
	a, err := job.New(context.Background(), drv, capture.Device{ID: "d", Name: "D"}, escl.ScanSettings{
		InputSource:    escl.InputSourceFeeder,
		ColorMode:      escl.ColorModeRGB24,
		XResolution:    75,
		YResolution:    75,
		DocumentFormat: job.FormatJPEG,
	}, job.Options{})
	require.NoError(t, err)
	t.Cleanup(a.Cancel)
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandleStatus(t *testing.T) {
	eng := &fakeEngine{devices: []engine.DeviceInfo{{
		UUID: "u1", Name: "Demo", Driver: "testpattern", Device: "demo", Port: 8090,
		Status: &escl.ScannerStatus{
			State:    escl.ScannerStateProcessing,
			AdfState: escl.AdfStateLoaded,
			Jobs:     map[string]escl.JobInfo{"j1": {State: escl.JobStateProcessing, ImagesCompleted: 2}},
		},
	}}}
	h := NewHandler(Options{Engine: eng, Host: "192.168.1.5"})

	rec := get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		Devices []struct {
			UUID     string `json:"uuid"`
			Port     int    `json:"port"`
			State    string `json:"state"`
			ADF      string `json:"adf"`
			ESCLUrl  string `json:"esclUrl"`
			ESCLSUrl string `json:"esclsUrl"`
			Jobs     []struct {
				ID     string `json:"id"`
				State  string `json:"state"`
				Images int    `json:"images"`
			} `json:"jobs"`
		} `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Devices, 1)
	d := resp.Devices[0]
	assert.Equal(t, "u1", d.UUID)
	assert.Equal(t, "http://192.168.1.5:8090/eSCL", d.ESCLUrl)
	assert.Empty(t, d.ESCLSUrl)
	assert.Equal(t, escl.ScannerStateProcessing.String(), d.State)
	assert.Equal(t, escl.AdfStateLoaded.String(), d.ADF)
	require.Len(t, d.Jobs, 1)
	assert.Equal(t, "j1", d.Jobs[0].ID)
	assert.Equal(t, 2, d.Jobs[0].Images)
}

func TestHandleStatus_Empty(t *testing.T) {
	h := NewHandler(Options{Engine: &fakeEngine{}})
	rec := get(t, h, "/api/status")
	assert.Contains(t, rec.Body.String(), `"devices":[]`)
}

func TestHandleUSB(t *testing.T) {
	eng := &fakeEngine{}
	assert.Equal(t, http.StatusNotFound, get(t, NewHandler(Options{Engine: eng}), "/api/usb").Code)

	h := NewHandler(Options{Engine: eng, USB: fakeUSB{devs: []usb.Descriptor{
		{VendorID: 0x04a9, ProductID: 0x1234, Serial: "S1", Product: "Scan 1"},
	}}})
	rec := get(t, h, "/api/usb")
	require.Equal(t, http.StatusOK, rec.Code)
	var devs []usb.Descriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devs))
	require.Len(t, devs, 1)
	assert.Equal(t, "04a9:1234:S1", devs[0].ID())

	rec = get(t, NewHandler(Options{Engine: eng, USB: fakeUSB{}}), "/api/usb")
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestHandleDiscover(t *testing.T) {
	eng := &fakeEngine{}
	ok := func(context.Context) ([]discovery.Service, error) {
		return []discovery.Service{{Instance: "Office", Port: 80}}, nil
	}
	fail := func(context.Context) ([]discovery.Service, error) { return nil, errors.New("no multicast") }

	rec := get(t, NewHandler(Options{Engine: eng, Browse: ok}), "/api/discover")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"instance":"Office"`)

	assert.Equal(t, http.StatusBadGateway, get(t, NewHandler(Options{Engine: eng, Browse: fail}), "/api/discover").Code)
	assert.Equal(t, http.StatusNotFound, get(t, NewHandler(Options{Engine: eng}), "/api/discover").Code)
}

func TestHandleJob(t *testing.T) {
	a := startJob(t, 1)
	h := NewHandler(Options{Engine: &fakeEngine{jobs: map[string]*job.Adapter{"j1": a, "j2": nil}}})

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/jobs/nope").Code)

	rec := get(t, h, "/api/jobs/j2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"started":false`)

	rec = get(t, h, "/api/jobs/j1")
	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Started)
	assert.Equal(t, job.FormatJPEG, resp.Format)
}

func TestHandleProgress(t *testing.T) {
	a := startJob(t, 2)
	srv := httptest.NewServer(NewHandler(Options{Engine: &fakeEngine{jobs: map[string]*job.Adapter{"j1": a, "j2": nil}}}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/api/jobs/j2/progress", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"/api/jobs/j1/progress", nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	go func() {
		for {
			ok, err := a.WaitForNextDocument(context.Background())
			if err != nil || !ok {
				return
			}
		}
	}()

	var last float64
	for {
		var msg progressMessage
		require.NoError(t, ws.ReadJSON(&msg))
		if msg.Type == "done" {
			assert.True(t, msg.Succeeded)
			assert.Equal(t, 2, msg.Pages)
			break
		}
		require.Equal(t, "progress", msg.Type)
		assert.LessOrEqual(t, msg.Progress, 1.0)
		assert.GreaterOrEqual(t, msg.Page, 1)
		last = msg.Progress
	}
	assert.Greater(t, last, 0.0)

	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}
