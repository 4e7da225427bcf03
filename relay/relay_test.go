package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammadanang/upload-relay/storage"
)

type received struct {
	filename    string
	contentType string
	content     string
}

// upstream serves /upload, replying with statuses[i] and bodies[i] for the
// i-th request it sees.
type upstream struct {
	mu       sync.Mutex
	statuses []int
	bodies   []string
	got      []received
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if r.URL.Path != "/upload" {
		http.NotFound(w, r)
		return
	}

	f, fh, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, _ := io.ReadAll(f)
	u.got = append(u.got, received{
		filename:    fh.Filename,
		contentType: fh.Header.Get("Content-Type"),
		content:     string(b),
	})

	i := len(u.got) - 1
	w.WriteHeader(u.statuses[i])
	_, _ = io.WriteString(w, u.bodies[i])
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUpload(t *testing.T, content string) *storage.Upload {
	t.Helper()
	s, err := storage.NewScratch(t.TempDir())
	require.NoError(t, err)

	u, err := s.Acquire("data.csv", "text/csv", func(path string) error {
		return os.WriteFile(path, []byte(content), 0o600)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Release() })
	return u
}

func splitHostPort(t *testing.T, url string) Target {
	t.Helper()
	i := strings.LastIndex(url, ":")
	require.Positive(t, i)
	return Target{Host: url[:i], Port: url[i+1:]}
}

func TestTarget_URL(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		want   string
	}{
		{"host and port", Target{Host: "http://localhost", Port: "3000"}, "http://localhost:3000/upload"},
		{"trailing slash", Target{Host: "http://localhost/", Port: "3000"}, "http://localhost:3000/upload"},
		{"no port", Target{Host: "https://api.run.app"}, "https://api.run.app/upload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.target.URL()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Target{Port: "3000"}.URL()
	assert.ErrorIs(t, err, ErrNoHost)
}

func TestDispatcher_Target(t *testing.T) {
	first := Target{Host: "http://first", Port: "1"}
	second := Target{Host: "http://second", Port: "2"}
	d := NewDispatcher(testLogger(), nil, first, second)

	assert.Equal(t, first, d.Target(false))
	assert.Equal(t, second, d.Target(true))
}

func TestDispatcher_Run_MixedOutcomes(t *testing.T) {
	up := &upstream{
		statuses: []int{http.StatusOK, http.StatusInternalServerError, http.StatusCreated},
		bodies:   []string{"  first ok\n", "bad\n", "third ok"},
	}
	srv := httptest.NewServer(up)
	defer srv.Close()

	d := NewDispatcher(testLogger(), srv.Client(), Target{}, Target{})
	u := testUpload(t, "a,b,c\n1,2,3\n")

	summary, err := d.Run(context.Background(), splitHostPort(t, srv.URL), u, 3)
	require.NoError(t, err)

	assert.Equal(t, []string{"first ok", "third ok"}, summary.Fulfilled)
	assert.Equal(t, []string{"bad"}, summary.Rejected)
	assert.Positive(t, summary.Elapsed)

	require.Len(t, up.got, 3)
	for _, r := range up.got {
		assert.Equal(t, "data.csv", r.filename)
		assert.Equal(t, "text/csv", r.contentType)
		assert.Equal(t, "a,b,c\n1,2,3\n", r.content)
	}
}

func TestDispatcher_Run_RedirectStatusIsFailure(t *testing.T) {
	up := &upstream{statuses: []int{http.StatusNotModified}, bodies: []string{""}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	d := NewDispatcher(testLogger(), srv.Client(), Target{}, Target{})
	summary, err := d.Run(context.Background(), splitHostPort(t, srv.URL), testUpload(t, "x"), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, len(summary.Rejected))
}

func TestDispatcher_Run_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := splitHostPort(t, srv.URL)
	srv.Close()

	d := NewDispatcher(testLogger(), nil, Target{}, Target{})
	_, err := d.Run(context.Background(), target, testUpload(t, "x"), 2)
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 1, te.Attempt)
}

func TestDispatcher_Run_NoHost(t *testing.T) {
	d := NewDispatcher(testLogger(), nil, Target{}, Target{})
	_, err := d.Run(context.Background(), Target{}, testUpload(t, "x"), 1)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, ErrNoHost)
}

type failingClient struct {
	calls int
	after int
}

func (c *failingClient) Do(req *http.Request) (*http.Response, error) {
	c.calls++
	_ = req.Body.Close()
	if c.calls > c.after {
		return nil, errors.New("connection reset")
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func TestDispatcher_Run_AbortsOnFault(t *testing.T) {
	client := &failingClient{after: 2}
	d := NewDispatcher(testLogger(), client, Target{}, Target{})

	_, err := d.Run(context.Background(), Target{Host: "http://upstream", Port: "80"}, testUpload(t, "x"), 5)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 3, te.Attempt)
	assert.Equal(t, 3, client.calls)
}
