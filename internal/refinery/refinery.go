// Package refinery implements the client side of the format-conversion
// service protocol (spec §6.4): request a CCS conversion, poll the job
// until ready, and verify downloaded chunks.
package refinery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ConaryLabs/conary/internal/cerr"
	"github.com/ConaryLabs/conary/internal/httputil"
	"github.com/ConaryLabs/conary/internal/progress"
)

const (
	// DefaultPollTimeout bounds the total wait for a conversion job
	// (spec §4.6 step 5: "5 min default").
	DefaultPollTimeout = 5 * time.Minute
	// DefaultPollInterval is the synchronous sleep between polls (spec
	// §5: "explicitly synchronous... must not change the observable
	// poll cadence contract").
	DefaultPollInterval = 2 * time.Second
)

// JobStatus mirrors the `status` field of GET /v1/jobs/{id}.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobConverting JobStatus = "converting"
	JobReady      JobStatus = "ready"
	JobFailed     JobStatus = "failed"
)

// PackageManifest is the 200-response body of
// GET /v1/{distro}/packages/{name}.
type PackageManifest struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Chunks  []string `json:"chunks"`
}

// AcceptedResponse is the 202-response body.
type AcceptedResponse struct {
	JobID      string `json:"job_id"`
	PollURL    string `json:"poll_url"`
	ETASeconds int    `json:"eta_seconds,omitempty"`
}

// JobStatusResponse is the GET /v1/jobs/{id} body.
type JobStatusResponse struct {
	Status   JobStatus        `json:"status"`
	Progress float64          `json:"progress,omitempty"`
	Error    string           `json:"error,omitempty"`
	Manifest *PackageManifest `json:"manifest,omitempty"`
}

// Client talks to one Refinery endpoint.
type Client struct {
	http         *http.Client
	pollTimeout  time.Duration
	pollInterval time.Duration
	sleep        func(time.Duration)
	cacheDir     string
	progressTo   io.Writer
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option    { return func(cl *Client) { cl.http = c } }
func WithPollTimeout(d time.Duration) Option  { return func(cl *Client) { cl.pollTimeout = d } }
func WithPollInterval(d time.Duration) Option { return func(cl *Client) { cl.pollInterval = d } }
func WithSleep(f func(time.Duration)) Option  { return func(cl *Client) { cl.sleep = f } }

// WithProgressOutput reports package-download progress (percent, ETA, rate)
// to w, the same human-readable bar the teacher's internal/progress prints
// for tool downloads. Chunk-level fetches (FetchChunk) are too small to
// warrant a bar and are never wrapped.
func WithProgressOutput(w io.Writer) Option { return func(cl *Client) { cl.progressTo = w } }

// New builds a Client; downloaded CCS artifacts are cached under cacheDir.
func New(cacheDir string, opts ...Option) *Client {
	c := &Client{
		http:         httputil.NewSecureClient(httputil.DefaultOptions()),
		pollTimeout:  DefaultPollTimeout,
		pollInterval: DefaultPollInterval,
		sleep:        time.Sleep,
		cacheDir:     cacheDir,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RequestConversion implements the router's Refinery strategy (spec
// §4.6 step 5): request the package, and if accepted, poll until ready
// or timeout, then download the CCS artifact bytes, write them to the
// cache directory as <sha256>.ccs and return that file's path.
func (c *Client) RequestConversion(ctx context.Context, endpoint, distro, sourceName string) (string, error) {
	if _, err := c.requestPackage(ctx, endpoint, distro, sourceName); err != nil {
		return "", err
	}

	data, err := c.downloadPackage(ctx, endpoint, distro, sourceName)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	path := filepath.Join(c.cacheDir, hex.EncodeToString(sum[:])+".ccs")
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return "", cerr.Wrap(cerr.Transient, "refinery.request", sourceName, "create cache dir", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", cerr.Wrap(cerr.Transient, "refinery.request", sourceName, "write cached CCS", err)
	}
	return path, nil
}

func (c *Client) requestPackage(ctx context.Context, endpoint, distro, name string) (*PackageManifest, error) {
	url := fmt.Sprintf("%s/v1/%s/packages/%s", endpoint, distro, name)
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var m PackageManifest
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return nil, cerr.Wrap(cerr.Transient, "refinery.request", name, "decode manifest", err)
		}
		return &m, nil
	case http.StatusAccepted:
		var acc AcceptedResponse
		if err := json.NewDecoder(resp.Body).Decode(&acc); err != nil {
			return nil, cerr.Wrap(cerr.Transient, "refinery.request", name, "decode 202 body", err)
		}
		return c.pollJob(ctx, endpoint, acc)
	case http.StatusNotFound:
		return nil, cerr.New(cerr.Missing, "refinery.request", name, "package not found")
	case http.StatusServiceUnavailable:
		return nil, cerr.New(cerr.Transient, "refinery.request", name, "refinery unavailable")
	default:
		return nil, cerr.New(cerr.Transient, "refinery.request", name, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
}

// pollJob polls acc.PollURL (GET /v1/jobs/{id}) until ready, failed, or
// the client's poll timeout elapses, sleeping its poll interval between tries.
func (c *Client) pollJob(ctx context.Context, endpoint string, acc AcceptedResponse) (*PackageManifest, error) {
	deadline := time.Now().Add(c.pollTimeout)
	url := acc.PollURL
	if len(url) > 0 && url[0] == '/' {
		url = endpoint + url
	}

	for time.Now().Before(deadline) {
		resp, err := c.get(ctx, url)
		if err != nil {
			return nil, err
		}
		var status JobStatusResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, cerr.Wrap(cerr.Transient, "refinery.poll", acc.JobID, "decode job status", decodeErr)
		}

		switch status.Status {
		case JobReady:
			return status.Manifest, nil
		case JobFailed:
			return nil, cerr.New(cerr.Transient, "refinery.poll", acc.JobID, "conversion failed: "+status.Error)
		case JobQueued, JobConverting:
			c.sleep(c.pollInterval)
		default:
			return nil, cerr.New(cerr.Internal, "refinery.poll", acc.JobID, "unknown job status "+string(status.Status))
		}

		if err := ctx.Err(); err != nil {
			return nil, cerr.Wrap(cerr.Transient, "refinery.poll", acc.JobID, "context canceled", err)
		}
	}
	return nil, cerr.New(cerr.Transient, "refinery.poll", acc.JobID, fmt.Sprintf("poll timed out after %s", c.pollTimeout))
}

func (c *Client) downloadPackage(ctx context.Context, endpoint, distro, name string) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/%s/packages/%s/download", endpoint, distro, name)
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, cerr.New(cerr.Transient, "refinery.download", name, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	if c.progressTo == nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, cerr.Wrap(cerr.Transient, "refinery.download", name, "read body", err)
		}
		return data, nil
	}

	var buf bytes.Buffer
	pw := progress.NewWriter(&buf, resp.ContentLength, c.progressTo)
	if _, err := io.Copy(pw, resp.Body); err != nil {
		return nil, cerr.Wrap(cerr.Transient, "refinery.download", name, "read body", err)
	}
	pw.Finish()
	return buf.Bytes(), nil
}

// FetchChunk downloads one chunk by hash and verifies sha256(body) == hash
// (spec §6.4's GET /v1/chunks/{hash}).
func (c *Client) FetchChunk(ctx context.Context, endpoint, hash string) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/chunks/%s", endpoint, hash)
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, cerr.New(cerr.Missing, "refinery.fetch_chunk", hash, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cerr.Wrap(cerr.Transient, "refinery.fetch_chunk", hash, "read body", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hash {
		return nil, cerr.New(cerr.Integrity, "refinery.fetch_chunk", hash, "chunk content does not match hash")
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, cerr.Wrap(cerr.Internal, "refinery.get", url, "build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, cerr.WrapTransport("refinery.get", url, "request failed", err)
	}
	return resp, nil
}
