package transfer

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// Wire contract shared by the upload client and the receiver. Kept
// compatible with the original IndexedCP endpoints and headers.
const (
	EndpointUpload = "/upload"
	EndpointStatus = "/upload/status"

	HeaderChunkIndex = "X-Chunk-Index"
	HeaderFileName   = "X-File-Name"

	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeJSON        = "application/json"
)

// ChunkResult is the receiver's answer to a chunk delivery. Older peers
// reply with a bare text message; the variant is decided exactly once, at
// the protocol boundary, and carried in Structured.
type ChunkResult struct {
	Structured      bool   `json:"-"`
	Message         string `json:"message"`
	ActualFilename  string `json:"actualFilename,omitempty"`
	ChunkIndex      int    `json:"chunkIndex"`
	ClientFilename  string `json:"clientFilename,omitempty"`
	AlreadyReceived bool   `json:"alreadyReceived,omitempty"`
}

// StatusResponse answers a resume-status query: the complete set of chunk
// indices already durably stored for a file.
type StatusResponse struct {
	Filename       string `json:"filename"`
	ReceivedChunks []int  `json:"receivedChunks"`
}

// ErrorResponse is the receiver's body on any non-2xx outcome.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ParseChunkResult interprets a successful chunk-delivery response body.
// JSON bodies decode into the structured form; anything else, including a
// JSON body that fails to decode, degrades to a plain-text message.
func ParseChunkResult(resp *http.Response) (*ChunkResult, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if strings.Contains(resp.Header.Get("Content-Type"), ContentTypeJSON) {
		var result ChunkResult
		if err := json.Unmarshal(body, &result); err == nil {
			result.Structured = true
			return &result, nil
		}
	}
	return &ChunkResult{Message: string(body)}, nil
}

// WriteJSONResponse writes data as a JSON body with the open CORS headers
// every endpoint carries.
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func WriteErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	WriteJSONResponse(w, statusCode, ErrorResponse{Error: errorMsg})
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-File-Name, X-Chunk-Index")
}
