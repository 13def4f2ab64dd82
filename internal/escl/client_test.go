package escl

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{
		Host:          strings.TrimPrefix(srv.URL, "http://"),
		RootURL:       "eSCL",
		RetryInterval: 5 * time.Millisecond,
		RetryTimeout:  2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestClient_Capabilities(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /eSCL/ScannerCapabilities", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_ = MarshalCapabilities(w, testCapabilities())
	})
	c := newTestClient(t, mux)

	caps, err := c.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Test Scanner", caps.MakeAndModel)
	assert.True(t, strings.HasSuffix(c.BaseURL(), "/eSCL/"))
}

func TestClient_Status(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /eSCL/ScannerStatus", func(w http.ResponseWriter, r *http.Request) {
		_ = MarshalStatus(w, &ScannerStatus{State: ScannerStateIdle, AdfState: AdfStateEmpty})
	})
	c := newTestClient(t, mux)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AdfStateEmpty, st.AdfState)
	assert.Empty(t, st.Jobs)
}

func TestClient_JobLifecycle(t *testing.T) {
	var (
		posted    *ScanSettings
		pages     atomic.Int32
		cancelled atomic.Bool
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /eSCL/ScanJobs", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s, err := UnmarshalScanSettings(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		posted = s
		w.Header().Set("Location", "/eSCL/ScanJobs/job1")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /eSCL/ScanJobs/job1/NextDocument", func(w http.ResponseWriter, r *http.Request) {
		if pages.Add(1) > 2 {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff, 0xd9})
	})
	mux.HandleFunc("DELETE /eSCL/ScanJobs/job1", func(w http.ResponseWriter, r *http.Request) {
		cancelled.Store(true)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	job, err := c.CreateJob(ctx, &ScanSettings{InputSource: InputSourcePlaten, ColorMode: ColorModeRGB24, XResolution: 300, YResolution: 300})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(job, "/eSCL/ScanJobs/job1"), job)
	require.NotNil(t, posted)
	assert.Equal(t, ColorModeRGB24, posted.ColorMode)

	for i := 0; i < 2; i++ {
		doc, err := c.NextDocument(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", doc.ContentType)
		assert.True(t, bytes.HasPrefix(doc.Data, []byte{0xff, 0xd8}))
	}
	_, err = c.NextDocument(ctx, job)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, c.CancelJob(ctx, job))
	assert.True(t, cancelled.Load())
}

func TestClient_NextDocumentRetriesBusy(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /eSCL/ScanJobs/j/NextDocument", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("page"))
	})
	c := newTestClient(t, mux)

	doc, err := c.NextDocument(context.Background(), c.BaseURL()+"ScanJobs/j")
	require.NoError(t, err)
	assert.Equal(t, []byte("page"), doc.Data)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_NextDocumentPermanentError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /eSCL/ScanJobs/j/NextDocument", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := newTestClient(t, mux)

	_, err := c.NextDocument(context.Background(), c.BaseURL()+"ScanJobs/j")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, "boom", se.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_CreateJobWithoutLocation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /eSCL/ScanJobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	c := newTestClient(t, mux)

	_, err := c.CreateJob(context.Background(), &ScanSettings{})
	assert.ErrorIs(t, err, ErrNoLocation)
}

func TestNewClient_Policy(t *testing.T) {
	tests := []struct {
		name    string
		tls     bool
		policy  SecurityPolicy
		wantErr bool
	}{
		{"auto_http", false, PolicyAutoSecurity, false},
		{"auto_https", true, PolicyAutoSecurity, false},
		{"require_https_rejects_http", false, PolicyRequireHTTPS, true},
		{"disable_https_rejects_https", true, PolicyDisableHTTPS, true},
		{"trusted_https", true, PolicyRequireTrustedHTTPS, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(Options{Host: "127.0.0.1:1", TLS: tt.tls, Policy: tt.policy})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPolicy)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSecurityPolicy(t *testing.T) {
	assert.True(t, PolicyAutoSecurity.ClientTLSConfig().InsecureSkipVerify)
	assert.False(t, PolicyRequireTrustedHTTPS.ClientTLSConfig().InsecureSkipVerify)
	assert.False(t, PolicyRequireHTTPS.ServerOffersHTTP())
	assert.True(t, PolicyRequireHTTPS.ServerOffersHTTPS())
	assert.False(t, PolicyDisableHTTPS.ServerOffersHTTPS())

	for _, name := range []string{"auto", "disable-https", "require-https", "require-trusted-https"} {
		p, err := ParseSecurityPolicy(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.String())
	}
	_, err := ParseSecurityPolicy("bogus")
	assert.Error(t, err)
}
