package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"arena2api/pkg/models"
)

const testAPIKey = "sk-test-key"

func newTestState(upstreamURL string) (*ServerState, func(*testing.T, string, int)) {
	svc, registry, catalog := newTestService(upstreamURL)
	st := &ServerState{Service: svc, Registry: registry, Catalog: catalog}
	seed := func(t *testing.T, id string, tokens int) {
		t.Helper()
		seedProfile(registry, catalog, id, tokens)
	}
	return st, seed
}

func doChat(st *ServerState, apiKey, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	st.HandleChatCompletions(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body is not valid JSON: %v", err)
	}
	return resp
}

func TestChatCompletionsRejectsBadAuth(t *testing.T) {
	t.Setenv("VALID_API_KEYS", testAPIKey)
	t.Setenv("DISABLE_AUTH", "")
	t.Setenv("AUTH_SECRET", "")

	st, _ := newTestState("http://unreachable.invalid")

	w := doChat(st, "wrong-key", `{"model":"x","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Type != "invalid_api_key" {
		t.Errorf("error type = %q", resp.Error.Type)
	}
}

func TestChatCompletionsValidatesRequest(t *testing.T) {
	t.Setenv("DISABLE_AUTH", "true")
	st, _ := newTestState("http://unreachable.invalid")

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"empty messages", `{"model":"x","messages":[]}`},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := doChat(st, "", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestChatCompletionsModelNotFound(t *testing.T) {
	t.Setenv("DISABLE_AUTH", "true")
	st, seed := newTestState("http://unreachable.invalid")
	seed(t, "p1", 1)

	w := doChat(st, "", `{"model":"bogus-model","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	resp := decodeError(t, w)
	if len(resp.Error.AvailableModels) != 1 || resp.Error.AvailableModels[0] != "GPT-4o" {
		t.Errorf("available models = %v, want the catalog", resp.Error.AvailableModels)
	}
}

func TestChatCompletionsServiceUnavailable(t *testing.T) {
	t.Setenv("DISABLE_AUTH", "true")
	st, seed := newTestState("http://unreachable.invalid")
	seed(t, "p1", 0)

	w := doChat(st, "", `{"model":"GPT-4o","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	t.Setenv("DISABLE_AUTH", "true")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "a0:\"Hello\"\na0:\" world\"\nad:{\"finishReason\":\"stop\"}\n")
	}))
	defer upstream.Close()

	st, seed := newTestState(upstream.URL)
	seed(t, "p1", 1)

	w := doChat(st, "", `{"model":"GPT-4o","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "Hello world" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("id = %q, want chatcmpl prefix", resp.ID)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	t.Setenv("DISABLE_AUTH", "true")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "a0:\"Hi\"\na0:\" there\"\nad:{}\n")
	}))
	defer upstream.Close()

	st, seed := newTestState(upstream.URL)
	seed(t, "p1", 1)

	w := doChat(st, "", `{"model":"GPT-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := w.Body.String()
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("stream must end with the DONE terminator, got tail %q", body)
	}

	var contents []string
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}
		var chunk models.ChatCompletionChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			t.Fatalf("chunk is not valid JSON: %v", err)
		}
		if c := chunk.Choices[0].Delta.Content; c != "" {
			contents = append(contents, c)
		}
	}
	if strings.Join(contents, "") != "Hi there" {
		t.Errorf("streamed content = %q, want \"Hi there\"", strings.Join(contents, ""))
	}
}

func TestListModels(t *testing.T) {
	t.Setenv("DISABLE_AUTH", "true")
	st, seed := newTestState("http://unreachable.invalid")

	// Empty catalog serves the placeholder.
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	st.HandleListModels(w, req)

	var list models.ModelList
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != placeholderModel {
		t.Errorf("empty catalog list = %+v, want placeholder", list.Data)
	}

	seed(t, "p1", 0)
	w = httptest.NewRecorder()
	st.HandleListModels(w, req)
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "GPT-4o" {
		t.Errorf("list = %+v, want the pushed model", list.Data)
	}
	if list.Data[0].OwnedBy != "arena.ai" {
		t.Errorf("owned_by = %q", list.Data[0].OwnedBy)
	}
}
