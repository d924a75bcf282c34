package transfer

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexedcp/indexcp/internal/chunkstore"
	"github.com/indexedcp/indexcp/internal/tracker"
)

// clientEnv wires a real receiver behind httptest and a client with a
// buffer, counting the chunk deliveries that actually hit the wire.
type clientEnv struct {
	client    *Client
	store     *chunkstore.Store
	uploadURL string
	outputDir string
	uploads   atomic.Int32
}

func newClientEnv(t *testing.T) *clientEnv {
	t.Helper()
	env := &clientEnv{outputDir: t.TempDir()}

	tr, err := tracker.Open(filepath.Join(env.outputDir, ".indexcp-chunks"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	server, err := NewServer(env.outputDir, 0, testAPIKey, tr)
	require.NoError(t, err)

	handler := server.Handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == EndpointUpload {
			env.uploads.Add(1)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	env.uploadURL = ts.URL + EndpointUpload

	env.store, err = chunkstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { env.store.Close() })

	env.client = NewClient(env.store, testAPIKey)
	env.client.ChunkSize = 1000
	env.client.Retrier = NewRetrier(3, time.Second)
	env.client.Retrier.sleep = func(time.Duration) {}

	return env
}

func writeTestFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func TestUploadFileMissingSource(t *testing.T) {
	env := newClientEnv(t)

	_, err := env.client.UploadFile(filepath.Join(t.TempDir(), "missing.bin"), env.uploadURL)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Zero(t, env.uploads.Load(), "no network activity for a missing file")
}

func TestUploadFileEndToEnd(t *testing.T) {
	env := newClientEnv(t)
	path, data := writeTestFile(t, "payload.bin", 2500)

	results, err := env.client.UploadFile(path, env.uploadURL)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{path: "payload.bin"}, results)
	assert.Equal(t, int32(3), env.uploads.Load())

	content, err := os.ReadFile(filepath.Join(env.outputDir, "payload.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, content), "target file must be byte-identical to the source")
}

func TestUploadFileResumesAfterInterrupt(t *testing.T) {
	env := newClientEnv(t)
	path, data := writeTestFile(t, "payload.bin", 2500)

	// Simulate an interrupted run: chunks 0 and 1 already delivered.
	for index, chunk := range [][]byte{data[:1000], data[1000:2000]} {
		resp := postChunkToURL(t, env.uploadURL, testAPIKey, "payload.bin", index, chunk)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	env.uploads.Store(0)

	results, err := env.client.UploadFile(path, env.uploadURL)
	require.NoError(t, err)
	assert.Equal(t, "payload.bin", results[path])
	assert.Equal(t, int32(1), env.uploads.Load(), "only the missing chunk goes over the wire")

	content, err := os.ReadFile(filepath.Join(env.outputDir, "payload.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, content))
	assert.Len(t, content, 2500)
}

func TestUploadBufferedFiles(t *testing.T) {
	env := newClientEnv(t)
	pathA, dataA := writeTestFile(t, "a.bin", 1500)
	pathB, dataB := writeTestFile(t, "b.bin", 700)

	_, err := env.client.AddFile(pathA)
	require.NoError(t, err)
	_, err = env.client.AddFile(pathB)
	require.NoError(t, err)

	results, err := env.client.UploadBufferedFiles(env.uploadURL)
	require.NoError(t, err)
	assert.Equal(t, "a.bin", results[pathA])
	assert.Equal(t, "b.bin", results[pathB])

	contentA, err := os.ReadFile(filepath.Join(env.outputDir, "a.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(dataA, contentA))
	contentB, err := os.ReadFile(filepath.Join(env.outputDir, "b.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(dataB, contentB))

	// Confirmed chunks are evicted the moment the server acknowledges them.
	files, err := env.client.BufferedFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestUploadBufferedFilesEvictsAlreadyReceived(t *testing.T) {
	env := newClientEnv(t)
	path, data := writeTestFile(t, "c.bin", 2500)

	_, err := env.client.AddFile(path)
	require.NoError(t, err)

	resp := postChunkToURL(t, env.uploadURL, testAPIKey, "c.bin", 0, data[:1000])
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.uploads.Store(0)

	_, err = env.client.UploadBufferedFiles(env.uploadURL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), env.uploads.Load(), "the already-received chunk is evicted without sending")

	files, err := env.client.BufferedFiles()
	require.NoError(t, err)
	assert.Empty(t, files)

	content, err := os.ReadFile(filepath.Join(env.outputDir, "c.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, content))
}

func TestUploadBufferedFilesContinuesPastFailedFile(t *testing.T) {
	outputDir := t.TempDir()

	tr, err := tracker.Open(filepath.Join(outputDir, ".indexcp-chunks"))
	require.NoError(t, err)
	defer tr.Close()

	server, err := NewServer(outputDir, 0, testAPIKey, tr)
	require.NoError(t, err)

	// Every delivery for poisoned.bin fails; healthy.bin goes through.
	handler := server.Handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == EndpointUpload &&
			SanitizeFilename(r.Header.Get(HeaderFileName)) == "poisoned.bin" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	defer ts.Close()

	store, err := chunkstore.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	client := NewClient(store, testAPIKey)
	client.ChunkSize = 1000
	client.Retrier = NewRetrier(3, time.Second)
	var delays []time.Duration
	client.Retrier.sleep = func(d time.Duration) { delays = append(delays, d) }

	pathPoisoned, _ := writeTestFile(t, "poisoned.bin", 1200)
	pathHealthy, dataHealthy := writeTestFile(t, "healthy.bin", 700)
	_, err = client.AddFile(pathPoisoned)
	require.NoError(t, err)
	_, err = client.AddFile(pathHealthy)
	require.NoError(t, err)

	results, err := client.UploadBufferedFiles(ts.URL + EndpointUpload)

	// The poisoned file exhausts its retries but does not abort the batch.
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, delays)

	assert.Equal(t, "healthy.bin", results[pathHealthy])
	_, ok := results[pathPoisoned]
	assert.False(t, ok, "a failed file must not appear in the results map")

	content, err := os.ReadFile(filepath.Join(outputDir, "healthy.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(dataHealthy, content))

	// The failed file's chunks stay buffered for a later run.
	files, err := client.BufferedFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{pathPoisoned}, files)
}

func TestStatusURLFor(t *testing.T) {
	cases := map[string]string{
		"http://localhost:3000/upload":   "http://localhost:3000/upload/status?filename=a.txt",
		"http://localhost:3000/upload/":  "http://localhost:3000/upload/status?filename=a.txt",
		"http://host/proxy/upload":       "http://host/proxy/upload/status?filename=a.txt",
		"http://host/uploads":            "http://host/uploads/upload/status?filename=a.txt",
		"http://host/upload-service/api": "http://host/upload-service/api/upload/status?filename=a.txt",
	}
	for serverURL, want := range cases {
		assert.Equal(t, want, statusURLFor(serverURL, "a.txt"), "server URL %q", serverURL)
	}

	assert.Equal(t,
		"http://host/upload/status?filename=dir%2Fa+b.txt",
		statusURLFor("http://host/upload", "dir/a b.txt"))
}

func TestStatusQueryFailureDegradesToFullUpload(t *testing.T) {
	env := newClientEnv(t)
	path, data := writeTestFile(t, "d.bin", 1200)

	// A receiver whose status endpoint is broken must not block uploads.
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == EndpointStatus {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		req, _ := http.NewRequest(r.Method, env.uploadURL, r.Body)
		req.Header = r.Header
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		w.Write(buf.Bytes())
	}))
	defer broken.Close()

	results, err := env.client.UploadFile(path, broken.URL+EndpointUpload)
	require.NoError(t, err)
	assert.Equal(t, "d.bin", results[path])

	content, err := os.ReadFile(filepath.Join(env.outputDir, "d.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, content))
}

func TestUploadFileAuthFailureIsTerminal(t *testing.T) {
	env := newClientEnv(t)
	path, _ := writeTestFile(t, "e.bin", 100)

	badClient := NewClient(env.store, "wrong-key")
	badClient.ChunkSize = 1000
	badClient.Retrier = NewRetrier(3, time.Second)
	badClient.Retrier.sleep = func(time.Duration) {}

	_, err := badClient.UploadFile(path, env.uploadURL)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, int32(1), env.uploads.Load(), "an auth failure is never retried")
}

func TestUploadFileExhaustsRetries(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	store, err := chunkstore.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	client := NewClient(store, testAPIKey)
	client.ChunkSize = 1000
	client.Retrier = NewRetrier(3, time.Second)
	var delays []time.Duration
	client.Retrier.sleep = func(d time.Duration) { delays = append(delays, d) }

	path, _ := writeTestFile(t, "f.bin", 100)
	_, err = client.UploadFile(path, failing.URL+EndpointUpload)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, delays)
}

func postChunkToURL(t *testing.T, uploadURL, apiKey, fileName string, index int, data []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, uploadURL, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", ContentTypeOctetStream)
	req.Header.Set(HeaderChunkIndex, strconv.Itoa(index))
	req.Header.Set(HeaderFileName, fileName)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}
