package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OpenPrinting/go-mfp/abstract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzyy94/esclbridge/internal/capture"
	"github.com/mzyy94/esclbridge/internal/escl"
)

type fakeScanner struct {
	pages    int
	served   atomic.Int32
	deleted  atomic.Bool
	settings atomic.Pointer[escl.ScanSettings]
}

func (f *fakeScanner) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /eSCL/ScannerCapabilities", func(w http.ResponseWriter, r *http.Request) {
		_ = escl.MarshalCapabilities(w, &escl.Capabilities{MakeAndModel: "Remote", Platen: &escl.InputCaps{}})
	})
	mux.HandleFunc("GET /eSCL/ScannerStatus", func(w http.ResponseWriter, r *http.Request) {
		_ = escl.MarshalStatus(w, &escl.ScannerStatus{AdfState: escl.AdfStateJam})
	})
	mux.HandleFunc("POST /eSCL/ScanJobs", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s, err := escl.UnmarshalScanSettings(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.settings.Store(s)
		w.Header().Set("Location", "/eSCL/ScanJobs/1")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /eSCL/ScanJobs/1/NextDocument", func(w http.ResponseWriter, r *http.Request) {
		if int(f.served.Add(1)) > f.pages {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg; charset=binary")
		_, _ = w.Write([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	})
	mux.HandleFunc("DELETE /eSCL/ScanJobs/1", func(w http.ResponseWriter, r *http.Request) {
		f.deleted.Store(true)
	})
	return mux
}

func newDriver(t *testing.T, f *fakeScanner) *Driver {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c, err := escl.NewClient(escl.Options{Host: strings.TrimPrefix(srv.URL, "http://"), RootURL: "eSCL"})
	require.NoError(t, err)
	d := New()
	d.Add("r1", c)
	return d
}

func drain(events <-chan capture.Event, into *[]capture.Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			*into = append(*into, ev)
			if ev.Kind == capture.ScanEnd {
				return
			}
		}
	}()
	return done
}

func TestDriver_ScanPages(t *testing.T) {
	f := &fakeScanner{pages: 2}
	d := newDriver(t, f)
	events := make(chan capture.Event, 32)
	var seen []capture.Event
	drained := drain(events, &seen)

	opts := capture.Options{
		Resolution: 300,
		BitDepth:   capture.BitDepthGrayscale,
		Source:     capture.SourceDuplexFeeder,
		PageSize:   &capture.PageSize{Width: 210 * abstract.Millimeter, Height: 297 * abstract.Millimeter},
	}
	sess, err := d.Scan(context.Background(), capture.Device{ID: "r1"}, opts, events)
	require.NoError(t, err)

	posted := f.settings.Load()
	require.NotNil(t, posted)
	assert.Equal(t, escl.ColorModeGrayscale8, posted.ColorMode)
	assert.Equal(t, escl.InputSourceFeeder, posted.InputSource)
	assert.True(t, posted.Duplex)
	assert.Equal(t, 2480, posted.Region.Width)

	for i := 0; i < 2; i++ {
		p, err := sess.NextPage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", p.Format)
		assert.True(t, p.Encoded())
	}
	_, err = sess.NextPage(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	<-drained
	var ends, pageEnds int
	for _, ev := range seen {
		switch ev.Kind {
		case capture.ScanEnd:
			ends++
		case capture.PageEnd:
			pageEnds++
		}
	}
	assert.Equal(t, 1, ends)
	assert.Equal(t, 2, pageEnds)
	assert.Equal(t, capture.ScanEnd, seen[len(seen)-1].Kind)
}

func TestDriver_Cancel(t *testing.T) {
	f := &fakeScanner{pages: 5}
	d := newDriver(t, f)
	events := make(chan capture.Event, 32)
	var seen []capture.Event
	drained := drain(events, &seen)

	sess, err := d.Scan(context.Background(), capture.Device{ID: "r1"}, capture.Options{}, events)
	require.NoError(t, err)
	sess.Cancel()
	sess.Cancel()

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("no ScanEnd after cancel")
	}
	assert.True(t, f.deleted.Load())
	_, err = sess.NextPage(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestDriver_Providers(t *testing.T) {
	d := newDriver(t, &fakeScanner{})
	ctx := context.Background()

	caps, err := d.Capabilities(ctx, capture.Device{ID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "Remote", caps.MakeAndModel)

	st, err := d.AdfState(ctx, capture.Device{ID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, escl.AdfStateJam, st)

	_, err = d.Capabilities(ctx, capture.Device{ID: "missing"})
	assert.ErrorIs(t, err, ErrUnknownDevice)

	d.Remove("r1")
	_, err = d.Scan(ctx, capture.Device{ID: "r1"}, capture.Options{}, make(chan capture.Event))
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestSettings(t *testing.T) {
	s := Settings(capture.Options{Resolution: 200, BitDepth: capture.BitDepthBlackWhite})
	assert.Equal(t, escl.ColorModeBlackAndWhite1, s.ColorMode)
	assert.Equal(t, escl.InputSourcePlaten, s.InputSource)
	assert.Equal(t, 200, s.XResolution)
	assert.Equal(t, 200, s.YResolution)
	assert.Zero(t, s.Region.Width)

	s = Settings(capture.Options{Source: capture.SourceFeeder})
	assert.Equal(t, escl.ColorModeRGB24, s.ColorMode)
	assert.Equal(t, escl.InputSourceFeeder, s.InputSource)
	assert.False(t, s.Duplex)
}
