package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/grok-gateway/internal/gateway/orchestrator"
	"github.com/mrmushfiq/grok-gateway/internal/gateway/pool"
	"github.com/mrmushfiq/grok-gateway/internal/gateway/upstream"
	"github.com/mrmushfiq/grok-gateway/internal/shared/models"
)

const streamFailedMessage = "[stream processing failed]"

// Completer runs chat requests against the upstream
type Completer interface {
	Complete(ctx context.Context, req orchestrator.Request) (*orchestrator.Completion, error)
	Stream(ctx context.Context, req orchestrator.Request) (*orchestrator.Reply, error)
}

// RequestLogger persists one entry per chat completion
type RequestLogger interface {
	LogRequest(ctx context.Context, log *models.GatewayLog) error
}

type ChatHandler struct {
	orchestrator Completer
	db           RequestLogger
}

// NewChatHandler creates the chat handler. db may be nil.
func NewChatHandler(orch Completer, db RequestLogger) *ChatHandler {
	return &ChatHandler{
		orchestrator: orch,
		db:           db,
	}
}

type streamError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	// Parse request
	var req upstream.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}

	orchReq := orchestrator.Request{Chat: req, Credential: CredentialFromContext(ctx)}

	// Handle streaming separately
	if req.Stream {
		h.handleStreamingChat(w, r, orchReq)
		return
	}

	resp, err := h.orchestrator.Complete(ctx, orchReq)
	if err != nil {
		log.WithError(err).WithField("model", req.Model).Error("Chat completion failed")
		writeError(w, orchestrator.StatusOf(err), errorMessage(err), "server_error")
		h.logRequest(req, "", 0, time.Since(startTime), err)
		return
	}

	w.Header().Set("X-Attempts", fmt.Sprintf("%d", resp.Attempts))
	writeJSON(w, http.StatusOK, openai.ChatCompletionResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: resp.Content,
			},
			FinishReason: openai.FinishReasonStop,
		}},
	})

	h.logRequest(req, resp.Credential, resp.Attempts, time.Since(startTime), nil)
}

// handleStreamingChat handles streaming chat completions
func (h *ChatHandler) handleStreamingChat(w http.ResponseWriter, r *http.Request, req orchestrator.Request) {
	ctx := r.Context()
	startTime := time.Now()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "server_error")
		return
	}

	// Nothing is written until the orchestrator has committed to a credential, so
	// failures before the first chunk still get a proper status code.
	reply, err := h.orchestrator.Stream(ctx, req)
	if err != nil {
		log.WithError(err).WithField("model", req.Chat.Model).Error("Streaming chat completion failed")
		writeError(w, orchestrator.StatusOf(err), errorMessage(err), "server_error")
		h.logRequest(req.Chat, "", 0, time.Since(startTime), err)
		return
	}
	defer reply.Close()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	id := completionID()
	send := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	var streamErr error
	for {
		chunk, err := reply.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			if ctx.Err() == nil {
				log.WithError(err).WithField("model", reply.Model).Warn("Upstream stream broke mid-response")
				send(deltaChunk(id, reply.Model, streamFailedMessage))
			}
			break
		}
		if chunk.Err != nil {
			var e streamError
			e.Error.Message = "stream error: " + chunk.Err.Message
			e.Error.Type = "stream_error"
			e.Error.Code = chunk.Err.Code
			send(e)
			streamErr = chunk.Err
			break
		}
		send(deltaChunk(id, reply.Model, chunk.Content))
	}

	// Send [DONE]
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()

	h.logRequest(req.Chat, reply.Credential, reply.Attempts, time.Since(startTime), streamErr)
}

// streamChunk is a chat.completion.chunk frame without the empty filter and
// fingerprint fields the full client type always writes
type streamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []streamDelta `json:"choices"`
}

type streamDelta struct {
	Index int                                    `json:"index"`
	Delta openai.ChatCompletionStreamChoiceDelta `json:"delta"`
}

func deltaChunk(id, model, content string) streamChunk {
	return streamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []streamDelta{{
			Index: 0,
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: content},
		}},
	}
}

func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}

func errorMessage(err error) string {
	var oe *orchestrator.Error
	if errors.As(err, &oe) {
		return oe.Message
	}
	return err.Error()
}

// logRequest logs the request to the database
func (h *ChatHandler) logRequest(req upstream.ChatRequest, credential string, attempts int, duration time.Duration, err error) {
	if h.db == nil {
		return
	}

	entry := &models.GatewayLog{
		Model:        req.Model,
		Bucket:       pool.NormalizeModel(req.Model),
		CredentialID: pool.ShortID(credential),
		Stream:       req.Stream,
		Attempts:     attempts,
		LatencyMs:    int(duration.Milliseconds()),
		StatusCode:   http.StatusOK,
	}

	if err != nil {
		entry.StatusCode = orchestrator.StatusOf(err)
		errMsg := err.Error()
		entry.ErrorMessage = &errMsg
	}

	// Log asynchronously to avoid blocking
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.db.LogRequest(ctx, entry); err != nil {
			log.WithError(err).Warn("Failed to write request log")
		}
	}()
}

// HandleModels handles GET /v1/models
func HandleModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().Unix()
	var data []openai.Model
	for _, m := range upstream.Models() {
		data = append(data, openai.Model{
			ID:        m.ID,
			Object:    "model",
			CreatedAt: created,
			OwnedBy:   "grok",
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Object string         `json:"object"`
		Data   []openai.Model `json:"data"`
	}{Object: "list", Data: data})
}

// HandleHealth handles GET /health
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type errorBody struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	var body errorBody
	body.Error.Message = message
	body.Error.Type = errType
	body.Error.Timestamp = time.Now().Unix()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
