package transfer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/indexedcp/indexcp/internal/chunkstore"
	"github.com/indexedcp/indexcp/pkg/logging"
)

const DefaultChunkSize = 1024 * 1024

const statusQueryTimeout = 5 * time.Second

// Client orchestrates an upload: split the file, consult resume status, send
// the remaining chunks in ascending index order, evict confirmed chunks from
// the staging buffer. Chunks of one file are always delivered sequentially.
type Client struct {
	// ChunkSize is the fixed split size in bytes.
	ChunkSize int64
	// Retrier wraps every chunk delivery.
	Retrier *Retrier

	store        *chunkstore.Store
	apiKey       string
	httpClient   *http.Client
	statusClient *http.Client
	log          *logrus.Entry
}

// NewClient creates an upload client. The API key is resolved once by the
// caller (env, prompt) and passed in here; the client never prompts.
func NewClient(store *chunkstore.Store, apiKey string) *Client {
	return &Client{
		ChunkSize: DefaultChunkSize,
		Retrier:   NewRetrier(DefaultMaxRetries, DefaultInitialRetryDelay),
		store:     store,
		apiKey:    apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		statusClient: &http.Client{
			Timeout: statusQueryTimeout,
		},
		log: logging.Component("client"),
	}
}

// AddFile splits a file into the staging buffer and returns the number of
// chunks created.
func (c *Client) AddFile(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, &NotFoundError{Path: path}
		}
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	count := 0
	buf := make([]byte, c.ChunkSize)
	for {
		n, err := io.ReadFull(file, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if err := c.store.Put(path, count, data); err != nil {
				return count, err
			}
			count++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to read chunk: %w", err)
		}
	}

	c.log.WithFields(logrus.Fields{"file": path, "chunks": count}).Info("file added to buffer")
	return count, nil
}

// UploadFile streams a file directly to the server without staging it,
// skipping chunks the server already holds. It returns the mapping from the
// source path to the filename the server actually used.
func (c *Client) UploadFile(path, serverURL string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Path: path}
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	chunkCount := int((info.Size() + c.ChunkSize - 1) / c.ChunkSize)
	serverFilename := filepath.Base(path)
	received := c.receivedChunks(serverURL, serverFilename)
	if len(received) > 0 {
		c.log.WithField("file", path).Infof("resume detected: %d chunks already received", len(received))
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	buf := make([]byte, c.ChunkSize)
	for index := 0; index < chunkCount; index++ {
		n, err := io.ReadFull(file, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("failed to read chunk %d: %w", index, err)
		}
		if received[index] {
			c.log.WithFields(logrus.Fields{"file": path, "chunk": index}).Debug("skipping chunk, already received")
			continue
		}

		result, err := c.deliverChunk(serverURL, path, index, buf[:n])
		if err != nil {
			return nil, err
		}
		if result.ActualFilename != "" {
			serverFilename = result.ActualFilename
		}
	}

	c.log.WithFields(logrus.Fields{"file": path, "server_filename": serverFilename}).Info("upload complete")
	return map[string]string{path: serverFilename}, nil
}

// UploadBufferedFiles uploads everything currently staged, grouped by file,
// each file's chunks in index order. One file failing does not abort the
// others; the joined error is returned alongside the mapping of the files
// that completed.
func (c *Client) UploadBufferedFiles(serverURL string) (map[string]string, error) {
	fileNames, err := c.store.FileNames()
	if err != nil {
		return nil, err
	}
	if len(fileNames) == 0 {
		c.log.Info("no buffered files to upload")
		return map[string]string{}, nil
	}

	results := make(map[string]string)
	var errs []error

	for _, fileName := range fileNames {
		serverFilename, err := c.uploadBufferedFile(serverURL, fileName)
		if err != nil {
			c.log.WithField("file", fileName).Errorf("upload failed: %v", err)
			errs = append(errs, fmt.Errorf("%s: %w", fileName, err))
			continue
		}
		results[fileName] = serverFilename
	}

	return results, errors.Join(errs...)
}

func (c *Client) uploadBufferedFile(serverURL, fileName string) (string, error) {
	chunks, err := c.store.ListByFile(fileName)
	if err != nil {
		return "", err
	}

	serverFilename := filepath.Base(fileName)
	received := c.receivedChunks(serverURL, serverFilename)
	if len(received) > 0 {
		c.log.WithField("file", fileName).Infof("resume detected: %d chunks already received", len(received))
	}

	for _, chunk := range chunks {
		if received[chunk.Index] {
			// Already durable server-side, evict without sending.
			if err := c.store.Delete(fileName, chunk.Index); err != nil {
				return "", err
			}
			continue
		}

		result, err := c.deliverChunk(serverURL, fileName, chunk.Index, chunk.Data)
		if err != nil {
			return "", err
		}
		if result.ActualFilename != "" {
			serverFilename = result.ActualFilename
		}
		if err := c.store.Delete(fileName, chunk.Index); err != nil {
			return "", err
		}
	}

	c.log.WithFields(logrus.Fields{"file": fileName, "server_filename": serverFilename}).Info("upload complete")
	return serverFilename, nil
}

// BufferedFiles lists the files currently staged in the buffer.
func (c *Client) BufferedFiles() ([]string, error) {
	return c.store.FileNames()
}

// ClearBuffer drops every staged chunk.
func (c *Client) ClearBuffer() error {
	return c.store.Clear()
}

// deliverChunk sends one chunk through the retry controller. Eviction stays
// with the caller: a chunk leaves the buffer only after a confirmed receipt.
func (c *Client) deliverChunk(serverURL, fileName string, index int, data []byte) (*ChunkResult, error) {
	var result *ChunkResult
	err := c.Retrier.Do(func() error {
		r, err := c.uploadChunk(serverURL, fileName, index, data)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.ActualFilename != "" && result.ActualFilename != filepath.Base(fileName) {
		c.log.WithField("file", fileName).Infof("server used filename: %s", result.ActualFilename)
	}
	return result, nil
}

// uploadChunk performs a single delivery attempt.
func (c *Client) uploadChunk(serverURL, fileName string, index int, data []byte) (*ChunkResult, error) {
	op := fmt.Sprintf("upload chunk %d for %s", index, fileName)

	req, err := http.NewRequest(http.MethodPost, serverURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", ContentTypeOctetStream)
	req.Header.Set(HeaderChunkIndex, strconv.Itoa(index))
	req.Header.Set(HeaderFileName, fileName)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthError{Message: "invalid API key"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode}
	}

	return ParseChunkResult(resp)
}

// receivedChunks queries the resume-status endpoint. Resume is best-effort:
// any failure degrades to an empty set and a full upload, never an abort.
func (c *Client) receivedChunks(serverURL, filename string) map[int]bool {
	received := make(map[int]bool)

	statusURL := statusURLFor(serverURL, filename)
	req, err := http.NewRequest(http.MethodGet, statusURL, nil)
	if err != nil {
		c.log.Warnf("could not check upload status, proceeding with full upload: %v", err)
		return received
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.statusClient.Do(req)
	if err != nil {
		c.log.Warnf("could not check upload status, proceeding with full upload: %v", err)
		return received
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warnf("could not check upload status, proceeding with full upload: status %d", resp.StatusCode)
		return received
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		c.log.Warnf("could not check upload status, proceeding with full upload: %v", err)
		return received
	}
	for _, index := range status.ReceivedChunks {
		received[index] = true
	}
	return received
}

// statusURLFor derives the status endpoint from the upload endpoint. Only an
// exact trailing upload segment is stripped, so proxy paths that merely
// contain "/upload" as a substring stay intact.
func statusURLFor(serverURL, filename string) string {
	base := strings.TrimSuffix(serverURL, "/")
	base = strings.TrimSuffix(base, EndpointUpload)
	base = strings.TrimSuffix(base, "/")
	return base + EndpointStatus + "?filename=" + url.QueryEscape(filename)
}
