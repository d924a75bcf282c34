package transfer

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/indexedcp/indexcp/internal/tracker"
	"github.com/indexedcp/indexcp/pkg/logging"
)

// DefaultUploadName is used when the client supplies no usable filename.
const DefaultUploadName = "uploaded_file.txt"

// FilenameResolver decides the on-disk name for an incoming chunk. The
// default sanitizes the client-supplied name to its base name; callers may
// plug in their own policy (collision avoidance, per-client prefixes).
type FilenameResolver interface {
	Resolve(clientFilename string, chunkIndex int, r *http.Request) (string, error)
}

// BaseNameResolver strips any directory component from the client-supplied
// name so a request can never write outside the output directory.
type BaseNameResolver struct{}

func (BaseNameResolver) Resolve(clientFilename string, chunkIndex int, r *http.Request) (string, error) {
	return SanitizeFilename(clientFilename), nil
}

// SanitizeFilename reduces a client-supplied path to a safe base name.
func SanitizeFilename(name string) string {
	// Windows clients send backslash separators.
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(name)
	if base == "" || base == "." || base == ".." || base == "/" {
		return DefaultUploadName
	}
	return base
}

// Server receives chunk deliveries and answers resume-status queries. Every
// request authenticates against a single shared-secret bearer token before
// any other processing. Appends to one target file are serialized by a
// per-filename mutex; different files are fully independent.
type Server struct {
	outputDir string
	port      int
	apiKey    string
	tracker   *tracker.Tracker
	resolver  FilenameResolver

	mu        sync.Mutex
	fileLocks map[string]*sync.Mutex

	httpServer *http.Server
	log        *logrus.Entry
}

// NewServer creates a receiver writing into outputDir. An empty apiKey means
// a fresh one is generated; read it back with APIKey.
func NewServer(outputDir string, port int, apiKey string, tr *tracker.Tracker) (*Server, error) {
	if outputDir == "" {
		outputDir = "."
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if apiKey == "" {
		apiKey = GenerateAPIKey()
	}
	return &Server{
		outputDir: outputDir,
		port:      port,
		apiKey:    apiKey,
		tracker:   tr,
		resolver:  BaseNameResolver{},
		fileLocks: make(map[string]*sync.Mutex),
		log:       logging.Component("server"),
	}, nil
}

// GenerateAPIKey returns a fresh random bearer token.
func GenerateAPIKey() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// SetFilenameResolver replaces the default naming policy. Call before Start.
func (s *Server) SetFilenameResolver(r FilenameResolver) {
	s.resolver = r
}

// APIKey returns the bearer token the server accepts.
func (s *Server) APIKey() string {
	return s.apiKey
}

// Handler returns the HTTP handler serving the upload and status endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(EndpointUpload, s.handleUpload)
	mux.HandleFunc(EndpointStatus, s.handleStatus)
	return s.logRequests(mux)
}

// Start runs the server until it is shut down.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.log.Infof("server listening on http://localhost:%d", s.port)
	s.log.Infof("upload endpoint: http://localhost:%d%s", s.port, EndpointUpload)
	s.log.Infof("output directory: %s", s.outputDir)
	s.log.Infof("API key: %s", s.apiKey)

	return s.httpServer.ListenAndServe()
}

// Close stops a running server.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// handleUpload runs the chunk-delivery pipeline: authenticate, resolve the
// target filename, short-circuit when the chunk is already recorded, append
// the body, mark it received, respond.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		s.handlePreflight(w)
		return
	}
	if r.Method != http.MethodPost {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authenticate(w, r) {
		return
	}

	chunkIndexStr := r.Header.Get(HeaderChunkIndex)
	if chunkIndexStr == "" {
		chunkIndexStr = "0"
	}
	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil || chunkIndex < 0 {
		WriteErrorResponse(w, http.StatusBadRequest, "Invalid chunk index")
		return
	}

	clientFilename := r.Header.Get(HeaderFileName)
	if clientFilename == "" {
		clientFilename = DefaultUploadName
	}

	actualFilename, err := s.resolver.Resolve(clientFilename, chunkIndex, r)
	if err != nil {
		s.log.Errorf("filename resolution failed: %v", err)
		WriteErrorResponse(w, http.StatusInternalServerError, "Failed to resolve filename")
		return
	}

	// Append order is on-disk byte order; one writer per target file at a
	// time keeps a retried slow request from interleaving with its original.
	lock := s.fileLock(actualFilename)
	lock.Lock()
	defer lock.Unlock()

	received, err := s.tracker.IsReceived(actualFilename, chunkIndex)
	if err != nil {
		s.log.Errorf("ledger lookup failed: %v", err)
		WriteErrorResponse(w, http.StatusInternalServerError, "Upload error: chunk ledger unavailable")
		return
	}
	if received {
		WriteJSONResponse(w, http.StatusOK, ChunkResult{
			Message:         "Chunk already received (skipped)",
			ActualFilename:  actualFilename,
			ChunkIndex:      chunkIndex,
			ClientFilename:  clientFilename,
			AlreadyReceived: true,
		})
		return
	}

	chunkData, err := io.ReadAll(r.Body)
	if err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, "Failed to read chunk data")
		return
	}

	if err := s.appendChunk(actualFilename, chunkData); err != nil {
		s.log.Errorf("append failed: %v", err)
		WriteErrorResponse(w, http.StatusInternalServerError, "Upload error: failed to write chunk")
		return
	}
	if err := s.tracker.MarkReceived(actualFilename, chunkIndex); err != nil {
		// Bytes are on disk but unrecorded; a resend would double-append.
		// Fail loudly rather than acknowledge an untracked chunk.
		s.log.Errorf("ledger update failed after append: %v", err)
		WriteErrorResponse(w, http.StatusInternalServerError, "Upload error: failed to record chunk")
		return
	}

	s.log.WithFields(logrus.Fields{
		"chunk":  chunkIndex,
		"client": clientFilename,
		"target": actualFilename,
		"bytes":  len(chunkData),
	}).Info("chunk received")

	WriteJSONResponse(w, http.StatusOK, ChunkResult{
		Message:        "Chunk received",
		ActualFilename: actualFilename,
		ChunkIndex:     chunkIndex,
		ClientFilename: clientFilename,
	})
}

// handleStatus answers a resume-status query. The path is read-only and
// independent of any in-flight delivery for the same file.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		s.handlePreflight(w)
		return
	}
	if r.Method != http.MethodGet {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authenticate(w, r) {
		return
	}

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		WriteErrorResponse(w, http.StatusBadRequest, "Missing filename parameter")
		return
	}

	receivedChunks, err := s.tracker.ReceivedSet(filename)
	if err != nil {
		s.log.Errorf("ledger lookup failed: %v", err)
		WriteErrorResponse(w, http.StatusInternalServerError, "Chunk ledger unavailable")
		return
	}

	WriteJSONResponse(w, http.StatusOK, StatusResponse{
		Filename:       filename,
		ReceivedChunks: receivedChunks,
	})
}

func (s *Server) handlePreflight(w http.ResponseWriter) {
	setCORSHeaders(w)
	w.Header().Set("Access-Control-Max-Age", "3600")
	w.WriteHeader(http.StatusOK)
}

// authenticate rejects the request with 401 unless it carries the shared
// bearer token. It runs before any of the body is read.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		WriteErrorResponse(w, http.StatusUnauthorized, "Invalid or missing API key")
		return false
	}
	provided := strings.TrimPrefix(auth, "Bearer ")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.apiKey)) != 1 {
		WriteErrorResponse(w, http.StatusUnauthorized, "Invalid or missing API key")
		return false
	}
	return true
}

func (s *Server) appendChunk(filename string, data []byte) error {
	outputFile := filepath.Join(s.outputDir, filename)
	f, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Server) fileLock(filename string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.fileLocks[filename]
	if !ok {
		lock = &sync.Mutex{}
		s.fileLocks[filename] = lock
	}
	return lock
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"duration":   time.Since(start).String(),
		}).Debug("request handled")
	})
}
