package refinery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ConaryLabs/conary/internal/cerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestConversionSynchronousOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/arch/packages/nginx":
			json.NewEncoder(w).Encode(PackageManifest{Name: "nginx", Version: "1.0", Chunks: []string{"abc"}})
		case "/v1/arch/packages/nginx/download":
			w.Write([]byte("ccs-bytes"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(t.TempDir())
	path, err := c.RequestConversion(context.Background(), srv.URL, "arch", "nginx")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ccs-bytes", string(data))
}

func TestRequestConversionPollsUntilReady(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/arch/packages/nginx":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(AcceptedResponse{JobID: "j1", PollURL: "/v1/jobs/j1", ETASeconds: 1})
		case "/v1/jobs/j1":
			polls++
			if polls < 2 {
				json.NewEncoder(w).Encode(JobStatusResponse{Status: JobConverting})
				return
			}
			json.NewEncoder(w).Encode(JobStatusResponse{Status: JobReady, Manifest: &PackageManifest{Name: "nginx"}})
		case "/v1/arch/packages/nginx/download":
			w.Write([]byte("converted"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(t.TempDir(), WithPollInterval(time.Millisecond), WithSleep(func(time.Duration) {}))
	path, err := c.RequestConversion(context.Background(), srv.URL, "arch", "nginx")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "converted", string(data))
	assert.GreaterOrEqual(t, polls, 2)
}

func TestRequestConversionReturnsMissingOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(t.TempDir())
	_, err := c.RequestConversion(context.Background(), srv.URL, "arch", "nope")
	require.Error(t, err)
	assert.Equal(t, cerr.Missing, cerr.KindOf(err))
}

func TestFetchChunkRejectsHashMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wrong content"))
	}))
	defer srv.Close()

	c := New(t.TempDir())
	_, err := c.FetchChunk(context.Background(), srv.URL, "deadbeef")
	require.Error(t, err)
	assert.Equal(t, cerr.Integrity, cerr.KindOf(err))
}
