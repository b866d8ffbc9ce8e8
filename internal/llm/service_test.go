package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"arena2api/internal/store"
	"arena2api/pkg/models"

	"github.com/tidwall/gjson"
)

const testToken = "test-token-long-enough-to-pass-the-length-filter"

func newTestService(baseURL string) (*Service, *store.Registry, *store.Catalog) {
	catalog := store.NewCatalog()
	registry := store.NewRegistry(catalog, 10, 110*time.Second, 120*time.Second)
	return &Service{
		config: &Config{
			ArenaBaseURL:    baseURL,
			UserAgent:       defaultUserAgent,
			UpstreamTimeout: 10 * time.Second,
		},
		registry: registry,
		catalog:  catalog,
		client:   &http.Client{Timeout: 10 * time.Second},
	}, registry, catalog
}

func seedProfile(registry *store.Registry, catalog *store.Catalog, id string, tokens int) {
	payload := store.PushPayload{
		Cookies:   map[string]string{"session": "abc"},
		AuthToken: "auth-token",
		Models: []store.PushModel{
			{PublicName: "GPT-4o", UpstreamID: "m-gpt4o", OutputCaps: []string{"text"}, InputCaps: []string{"text"}},
		},
	}
	for i := 0; i < tokens; i++ {
		payload.V3Tokens = append(payload.V3Tokens, store.PushToken{
			Token:  fmt.Sprintf("%s-%s-%02d", testToken, id, i),
			Action: "chat_submit",
		})
	}
	registry.IngestPush(id, payload)
}

func TestFlattenMessages(t *testing.T) {
	msg := func(role, text string) models.ChatMessage {
		return models.ChatMessage{Role: role, Content: models.MessageContent{Text: text}}
	}

	tests := []struct {
		name     string
		messages []models.ChatMessage
		want     string
	}{
		{
			"single user message",
			[]models.ChatMessage{msg("user", "hello")},
			"hello",
		},
		{
			"system prefixed",
			[]models.ChatMessage{msg("system", "be brief"), msg("user", "hello")},
			"be brief\n\nhello",
		},
		{
			"multi-turn framed with role markers",
			[]models.ChatMessage{msg("user", "hi"), msg("assistant", "hey"), msg("user", "bye")},
			"<|user|>\nhi\n\n<|assistant|>\nhey\n\n<|user|>\nbye",
		},
		{
			"system hoisted above history",
			[]models.ChatMessage{msg("user", "a"), msg("system", "rules"), msg("user", "b")},
			"rules\n\n<|user|>\na\n\n<|user|>\nb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := flattenMessages(tt.messages); got != tt.want {
				t.Errorf("flattenMessages() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildEvaluationPayload(t *testing.T) {
	model := models.CatalogModel{Name: "GPT-4o", UpstreamID: "m-gpt4o", Category: models.CategoryText}
	target := dispatchTarget{
		auth:       store.UpstreamAuth{ProfileID: "p1", Cookies: map[string]string{"arena-user-id": "u-42"}},
		credential: store.Credential{Value: "v3-token-value", Action: "chat_submit"},
	}

	payload, err := buildEvaluationPayload("eval-1", model, "hello", target)
	if err != nil {
		t.Fatal(err)
	}

	checks := map[string]string{
		"id":                  "eval-1",
		"mode":                "direct",
		"modelAId":            "m-gpt4o",
		"modality":            "chat",
		"userMessage.content": "hello",
		"userId":              "u-42",
		"recaptchaV3Token":    "v3-token-value",
	}
	for path, want := range checks {
		if got := gjson.Get(payload, path).String(); got != want {
			t.Errorf("payload %s = %q, want %q", path, got, want)
		}
	}
	if gjson.Get(payload, "recaptchaV2Token").Exists() {
		t.Error("v2 field should be absent for a v3 credential")
	}
	if !gjson.Get(payload, "userMessage.experimental_attachments").IsArray() {
		t.Error("attachments must serialize as an empty array")
	}
}

func TestBuildEvaluationPayloadV2Fallback(t *testing.T) {
	model := models.CatalogModel{Name: "Flux Pro", UpstreamID: "m-flux", Category: models.CategoryImage}
	target := dispatchTarget{
		credential: store.Credential{Value: "v2-token-value", Action: store.ActionV2},
	}

	payload, err := buildEvaluationPayload("eval-2", model, "a cat", target)
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.Get(payload, "recaptchaV2Token").String(); got != "v2-token-value" {
		t.Errorf("recaptchaV2Token = %q", got)
	}
	if gjson.Get(payload, "recaptchaV3Token").Exists() {
		t.Error("v3 field should be absent for a v2 credential")
	}
	if got := gjson.Get(payload, "modality").String(); got != "image" {
		t.Errorf("modality = %q, want image", got)
	}
	if gjson.Get(payload, "userId").Exists() {
		t.Error("userId should be absent when the cookie is missing")
	}
}

func TestDispatchNoActiveProfile(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	svc, _, catalog := newTestService(upstream.URL)
	catalog.Register("ghost", []store.PushModel{
		{PublicName: "GPT-4o", UpstreamID: "m-gpt4o", OutputCaps: []string{"text"}},
	})

	_, err := svc.Dispatch(context.Background(), models.ChatCompletionRequest{
		Model:    "GPT-4o",
		Messages: []models.ChatMessage{{Role: "user", Content: models.MessageContent{Text: "hi"}}},
	})
	if !errors.Is(err, ErrNoActiveProfile) {
		t.Fatalf("err = %v, want ErrNoActiveProfile", err)
	}
	if calls.Load() != 0 {
		t.Error("upstream must not be called when no profile is active")
	}
}

func TestDispatchPoolsExhausted(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	svc, registry, catalog := newTestService(upstream.URL)
	seedProfile(registry, catalog, "p1", 0)

	_, err := svc.Dispatch(context.Background(), models.ChatCompletionRequest{
		Model:    "GPT-4o",
		Messages: []models.ChatMessage{{Role: "user", Content: models.MessageContent{Text: "hi"}}},
	})
	if !errors.Is(err, ErrPoolsExhausted) {
		t.Fatalf("err = %v, want ErrPoolsExhausted", err)
	}
	if calls.Load() != 0 {
		t.Error("upstream must not be called when every pool is empty")
	}
}

func TestDispatchModelNotFound(t *testing.T) {
	svc, registry, catalog := newTestService("http://unreachable.invalid")
	seedProfile(registry, catalog, "p1", 1)

	_, err := svc.Dispatch(context.Background(), models.ChatCompletionRequest{
		Model:    "nonexistent-model-xyz",
		Messages: []models.ChatMessage{{Role: "user", Content: models.MessageContent{Text: "hi"}}},
	})
	if !errors.Is(err, store.ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
}

func TestDispatchSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != createEvaluationPath {
			t.Errorf("path = %q, want %q", r.URL.Path, createEvaluationPath)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer auth-token" {
			t.Errorf("Authorization = %q", got)
		}
		if !strings.Contains(r.Header.Get("Cookie"), "session=abc") {
			t.Errorf("Cookie = %q, want session cookie", r.Header.Get("Cookie"))
		}
		body, _ := io.ReadAll(r.Body)
		if !gjson.GetBytes(body, "recaptchaV3Token").Exists() {
			t.Error("request body is missing the credential")
		}
		fmt.Fprint(w, "a0:\"pong\"\nad:{}\n")
	}))
	defer upstream.Close()

	svc, registry, catalog := newTestService(upstream.URL)
	seedProfile(registry, catalog, "p1", 2)

	result, err := svc.Dispatch(context.Background(), models.ChatCompletionRequest{
		Model:    "gpt 4o",
		Messages: []models.ChatMessage{{Role: "user", Content: models.MessageContent{Text: "ping"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer result.Body.Close()

	if result.ProfileID != "p1" {
		t.Errorf("ProfileID = %q", result.ProfileID)
	}
	resp, err := result.Translator.Collect(context.Background(), result.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "pong" {
		t.Errorf("content = %q, want pong", resp.Choices[0].Message.Content)
	}
	if resp.Model != "GPT-4o" {
		t.Errorf("model = %q, want resolved catalog name", resp.Model)
	}
}

func TestDispatchUpstreamRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer upstream.Close()

	svc, registry, catalog := newTestService(upstream.URL)
	seedProfile(registry, catalog, "p1", 1)

	_, err := svc.Dispatch(context.Background(), models.ChatCompletionRequest{
		Model:    "GPT-4o",
		Messages: []models.ChatMessage{{Role: "user", Content: models.MessageContent{Text: "hi"}}},
	})

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if ue.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", ue.StatusCode)
	}

	// The failure is charged to the serving profile.
	p := registry.Get("p1")
	if p == nil {
		t.Fatal("profile missing")
	}
	snap := registry.Snapshot(time.Now())
	if snap.Profiles[0].ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", snap.Profiles[0].ErrorCount)
	}

	// The credential was consumed despite the failure.
	if snap.Profiles[0].V3Tokens != 0 {
		t.Errorf("V3Tokens = %d, want 0 after consumption", snap.Profiles[0].V3Tokens)
	}
}

func TestDispatchFallsThroughToNextProfile(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ad:{}\n")
	}))
	defer upstream.Close()

	svc, registry, catalog := newTestService(upstream.URL)
	seedProfile(registry, catalog, "rich", 0)
	seedProfile(registry, catalog, "poor", 1)

	result, err := svc.Dispatch(context.Background(), models.ChatCompletionRequest{
		Model:    "GPT-4o",
		Messages: []models.ChatMessage{{Role: "user", Content: models.MessageContent{Text: "hi"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer result.Body.Close()

	if result.ProfileID != "poor" {
		t.Errorf("dispatched to %q, want the profile that still has credentials", result.ProfileID)
	}
}
