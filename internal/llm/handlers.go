package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"arena2api/internal/auth"
	"arena2api/internal/store"
	"arena2api/pkg/models"

	log "github.com/sirupsen/logrus"
)

// placeholderModel is listed when no extension has reported a catalog yet,
// so clients probing /v1/models get a well-formed answer instead of an empty
// list they may treat as an error.
const placeholderModel = "waiting-for-extension"

// ServerState holds the shared dependencies of the OpenAI-surface handlers.
type ServerState struct {
	Service  *Service
	Registry *store.Registry
	Catalog  *store.Catalog
}

// NewServerState wires the chat service onto the shared registry and catalog.
func NewServerState(registry *store.Registry, catalog *store.Catalog) *ServerState {
	return &ServerState{
		Service:  NewService(registry, catalog),
		Registry: registry,
		Catalog:  catalog,
	}
}

// RegisterHandlers attaches the OpenAI-compatible routes to mux.
func (st *ServerState) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/v1/models", st.HandleListModels)
	mux.HandleFunc("/v1/chat/completions", st.HandleChatCompletions)
}

// HandleListModels serves GET /v1/models from the aggregated catalog.
func (st *ServerState) HandleListModels(w http.ResponseWriter, r *http.Request) {
	if !auth.VerifyAppAPIKey(auth.ExtractBearer(r)) {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "invalid API key", nil)
		return
	}

	names := st.Catalog.List()
	if len(names) == 0 {
		names = []string{placeholderModel}
	}

	created := time.Now().Unix()
	list := models.ModelList{Object: "list", Data: make([]models.OpenAIModel, 0, len(names))}
	for _, name := range names {
		list.Data = append(list.Data, models.OpenAIModel{
			ID:      name,
			Object:  "model",
			Created: created,
			OwnedBy: "arena.ai",
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleChatCompletions serves POST /v1/chat/completions, in both streaming
// and non-streaming modes.
func (st *ServerState) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed", nil)
		return
	}
	if !auth.VerifyAppAPIKey(auth.ExtractBearer(r)) {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "invalid API key", nil)
		return
	}

	var req models.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON: "+err.Error(), nil)
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty", nil)
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required", nil)
		return
	}

	result, err := st.Service.Dispatch(r.Context(), req)
	if err != nil {
		st.writeDispatchError(w, req.Model, err)
		return
	}
	defer result.Body.Close()

	if req.Stream {
		st.streamResponse(w, r, result)
		return
	}

	resp, err := result.Translator.Collect(r.Context(), result.Body)
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) {
			st.Service.RecordError(result.ProfileID)
			writeError(w, http.StatusBadGateway, "upstream_error", ue.Message, nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamResponse relays the translated chunk stream as server-sent events.
// An upstream error after chunks have gone out is surfaced as an SSE error
// event; the terminator is sent either way so clients always unblock.
func (st *ServerState) streamResponse(w http.ResponseWriter, r *http.Request, result *DispatchResult) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported by connection", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	err := result.Translator.Stream(r.Context(), result.Body, func(chunk models.ChatCompletionChunk) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) {
			st.Service.RecordError(result.ProfileID)
			body, _ := json.Marshal(models.ErrorResponse{Error: models.ErrorBody{
				Message: ue.Message,
				Type:    "upstream_error",
			}})
			fmt.Fprintf(w, "data: %s\n\n", body)
			flusher.Flush()
		}
		log.WithError(err).Warn("stream relay aborted")
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeDispatchError maps dispatch failures onto the HTTP error taxonomy.
func (st *ServerState) writeDispatchError(w http.ResponseWriter, requested string, err error) {
	switch {
	case errors.Is(err, store.ErrModelNotFound):
		writeError(w, http.StatusNotFound, "model_not_found",
			fmt.Sprintf("model %q not found", requested), st.Catalog.List())
	case errors.Is(err, ErrNoActiveProfile), errors.Is(err, ErrPoolsExhausted):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error(), nil)
	default:
		var ue *UpstreamError
		if errors.As(err, &ue) {
			writeError(w, http.StatusBadGateway, "upstream_error", ue.Message, nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, status int, errType, message string, available []string) {
	writeJSON(w, status, models.ErrorResponse{Error: models.ErrorBody{
		Message:         message,
		Type:            errType,
		AvailableModels: available,
	}})
}
