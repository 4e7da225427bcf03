// Package relay replays a stored upload against an upstream /upload endpoint.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/mohammadanang/upload-relay/config"
	"github.com/mohammadanang/upload-relay/domain"
	"github.com/mohammadanang/upload-relay/storage"
)

const (
	uploadPath = "/upload"
	fileField  = "file"
)

// ErrNoHost is returned when a target has no host configured.
var ErrNoHost = errors.New("upstream host is not configured")

// TransportError is a failure to complete an attempt at all, as opposed to
// an upstream answering with a non-2xx status.
type TransportError struct {
	Attempt int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("attempt %d: %v", e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Target is an upstream service accepting multipart uploads.
type Target struct {
	Host string
	Port string
}

func TargetFrom(t config.Target) Target {
	return Target{Host: t.Host, Port: t.Port}
}

// URL joins host and port as "{host}:{port}/upload". Host is expected to
// carry the scheme. An empty port leaves the host untouched.
func (t Target) URL() (string, error) {
	if t.Host == "" {
		return "", ErrNoHost
	}
	host := strings.TrimSuffix(t.Host, "/")
	if t.Port == "" {
		return host + uploadPath, nil
	}
	return host + ":" + t.Port + uploadPath, nil
}

// Dispatcher sends uploads to one of two targets.
type Dispatcher struct {
	logger *slog.Logger
	client HTTPClient
	first  Target
	second Target
}

func NewDispatcher(logger *slog.Logger, client HTTPClient, first, second Target) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Dispatcher{
		logger: logger,
		client: client,
		first:  first,
		second: second,
	}
}

// NewHTTPClient returns a client with the given per-request timeout; zero
// disables it.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// Target picks the second target when second is true.
func (d *Dispatcher) Target(second bool) Target {
	if second {
		return d.second
	}
	return d.first
}

// Run posts u to target n times, one after another, and summarises the
// outcomes. The first transport failure aborts the run.
func (d *Dispatcher) Run(ctx context.Context, target Target, u *storage.Upload, n int) (domain.Summary, error) {
	var summary domain.Summary

	url, err := target.URL()
	if err != nil {
		return summary, &TransportError{Attempt: 1, Err: err}
	}

	start := time.Now()
	for i := 1; i <= n; i++ {
		attempt, err := d.send(ctx, url, u, i)
		if err != nil {
			return summary, &TransportError{Attempt: i, Err: err}
		}
		summary.Add(attempt)
	}
	summary.Elapsed = time.Since(start)

	d.logger.Debug("relay finished",
		slog.String("url", url),
		slog.Int("attempts", n),
		slog.Int("failed", len(summary.Rejected)),
		slog.Duration("elapsed", summary.Elapsed),
	)

	return summary, nil
}

func (d *Dispatcher) send(ctx context.Context, url string, u *storage.Upload, index int) (domain.Attempt, error) {
	body, contentType, err := multipartBody(u)
	if err != nil {
		return domain.Attempt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := d.client.Do(req)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("failed to read response body: %w", err)
	}

	return domain.Attempt{
		Index: index,
		OK:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		Body:  strings.TrimSpace(string(b)),
	}, nil
}

// multipartBody encodes u as the single file field of a multipart form.
func multipartBody(u *storage.Upload) (*bytes.Buffer, string, error) {
	f, err := u.Open()
	if err != nil {
		return nil, "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buff bytes.Buffer
	mpw := multipart.NewWriter(&buff)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", multipart.FileContentDisposition(fileField, u.Filename))
	h.Set("Content-Type", u.ContentType)
	part, err := mpw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("failed to write file part: %w", err)
	}

	if err := mpw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buff, mpw.FormDataContentType(), nil
}
