package escl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// Errors returned by Client.
var (
	ErrPolicy      = errors.New("escl: transport not allowed by security policy")
	ErrNoLocation  = errors.New("escl: scan job created without Location header")
	errUnavailable = errors.New("escl: scanner busy")
)

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("escl: %s: HTTP %d", e.Op, e.Code)
	}
	return fmt.Sprintf("escl: %s: HTTP %d: %s", e.Op, e.Code, e.Body)
}

// Options configures a Client.
type Options struct {
	// Host is host:port of the scanner.
	Host string
	// RootURL is the eSCL root path, usually "eSCL".
	RootURL string
	TLS     bool
	Policy  SecurityPolicy
	// HTTPClient overrides the default client. Its transport is used as is.
	HTTPClient *http.Client
	// RetryInterval is the first delay when the scanner answers 503.
	RetryInterval time.Duration
	// RetryTimeout bounds the total time spent retrying 503 answers.
	RetryTimeout time.Duration
}

// Document is one page fetched from NextDocument.
type Document struct {
	Data        []byte
	ContentType string
}

// Client talks eSCL to a network or tunneled scanner.
type Client struct {
	base          *url.URL
	http          *http.Client
	retryInterval time.Duration
	retryTimeout  time.Duration
}

// NewClient creates a client for the scanner described by opts.
func NewClient(opts Options) (*Client, error) {
	if opts.Host == "" {
		return nil, errors.New("escl: empty host")
	}
	scheme := "http"
	if opts.TLS {
		if !opts.Policy.ClientAllowsHTTPS() {
			return nil, ErrPolicy
		}
		scheme = "https"
	} else if !opts.Policy.ClientAllowsHTTP() {
		return nil, ErrPolicy
	}

	root := strings.Trim(opts.RootURL, "/")
	base := &url.URL{Scheme: scheme, Host: opts.Host, Path: "/"}
	if root != "" {
		base.Path = "/" + root + "/"
	}

	hc := opts.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = opts.Policy.ClientTLSConfig()
		hc = &http.Client{Transport: tr, Timeout: 2 * time.Minute}
	}

	c := &Client{
		base:          base,
		http:          hc,
		retryInterval: opts.RetryInterval,
		retryTimeout:  opts.RetryTimeout,
	}
	if c.retryInterval <= 0 {
		c.retryInterval = 500 * time.Millisecond
	}
	if c.retryTimeout <= 0 {
		c.retryTimeout = 30 * time.Second
	}
	return c, nil
}

// BaseURL returns the eSCL root, with a trailing slash.
func (c *Client) BaseURL() string { return c.base.String() }

// Capabilities fetches ScannerCapabilities.
func (c *Client) Capabilities(ctx context.Context) (*Capabilities, error) {
	body, err := c.get(ctx, "capabilities", c.resolve("ScannerCapabilities"))
	if err != nil {
		return nil, err
	}
	return UnmarshalCapabilities(body)
}

// Status fetches ScannerStatus.
func (c *Client) Status(ctx context.Context) (*ScannerStatus, error) {
	body, err := c.get(ctx, "status", c.resolve("ScannerStatus"))
	if err != nil {
		return nil, err
	}
	return UnmarshalStatus(body)
}

// CreateJob posts settings to ScanJobs and returns the absolute job URL.
func (c *Client) CreateJob(ctx context.Context, s *ScanSettings) (string, error) {
	var buf bytes.Buffer
	if err := MarshalScanSettings(&buf, s); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve("ScanJobs"), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/xml")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("escl: create job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", statusError("create job", resp)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", ErrNoLocation
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("escl: bad Location %q: %w", loc, err)
	}
	return c.base.ResolveReference(u).String(), nil
}

// NextDocument fetches the next page of a job. It returns io.EOF when the
// job has no more pages. A busy scanner (503) is retried with exponential
// backoff.
func (c *Client) NextDocument(ctx context.Context, jobURL string) (*Document, error) {
	target := strings.TrimSuffix(jobURL, "/") + "/NextDocument"

	var doc *Document
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("escl: next document: %w", err))
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("escl: read document: %w", err))
			}
			doc = &Document{Data: data, ContentType: resp.Header.Get("Content-Type")}
			return nil
		case http.StatusNotFound:
			return backoff.Permanent(io.EOF)
		case http.StatusServiceUnavailable:
			return errUnavailable
		default:
			return backoff.Permanent(statusError("next document", resp))
		}
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.retryInterval
	expBackoff.MaxElapsedTime = c.retryTimeout

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, err
	}
	return doc, nil
}

// CancelJob deletes a job. A job that no longer exists is not an error.
func (c *Client) CancelJob(ctx context.Context, jobURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, jobURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("escl: cancel job: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return statusError("cancel job", resp)
}

func (c *Client) resolve(name string) string {
	return c.base.ResolveReference(&url.URL{Path: name}).String()
}

func (c *Client) get(ctx context.Context, op, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("escl: %s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("escl: %s: %w", op, err)
	}
	return body, nil
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
