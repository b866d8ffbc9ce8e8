package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"arena2api/internal/httpclient"
	"arena2api/internal/store"
	"arena2api/pkg/models"
	"arena2api/pkg/utils"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

const createEvaluationPath = "/nextjs-api/stream/create-evaluation"

var (
	// ErrNoActiveProfile means no extension has pushed recently enough for any
	// profile to count as alive. Maps to 503.
	ErrNoActiveProfile = errors.New("no active profile; is the browser extension connected?")

	// ErrPoolsExhausted means every active profile's credential pool came up
	// empty. Maps to 503; the client should retry once the extension pushes
	// fresh tokens.
	ErrPoolsExhausted = errors.New("all credential pools exhausted; waiting for fresh tokens")
)

// UpstreamError reports a failure from the upstream platform: a non-2xx
// response to the evaluation request, or an error line mid-stream.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
}

// Service dispatches chat completions against the upstream platform. It owns
// profile selection, credential consumption, request building, and the
// upstream HTTP call; response translation is the Translator's job.
type Service struct {
	config   *Config
	registry *store.Registry
	catalog  *store.Catalog
	client   *http.Client
}

// NewService creates a Service bound to the shared registry and catalog.
func NewService(registry *store.Registry, catalog *store.Catalog) *Service {
	cfg := GetConfig()
	return &Service{
		config:   cfg,
		registry: registry,
		catalog:  catalog,
		client:   httpclient.New(cfg.UpstreamTimeout),
	}
}

// DispatchResult is a successfully opened upstream response stream plus the
// translator primed for it.
type DispatchResult struct {
	Body       io.ReadCloser
	Translator *Translator
	ProfileID  string
}

// dispatchTarget pairs a consumed credential with the auth snapshot of the
// profile it came from.
type dispatchTarget struct {
	auth       store.UpstreamAuth
	credential store.Credential
}

// acquire walks the health-ranked active profiles and takes a credential from
// the first one that has any. The credential is removed before any network
// I/O happens; it is never returned to the pool.
func (s *Service) acquire(now time.Time) (dispatchTarget, error) {
	active := s.registry.ListActive(now)
	if len(active) == 0 {
		return dispatchTarget{}, ErrNoActiveProfile
	}
	for _, candidate := range active {
		cred, err := candidate.Profile.TakeCredential(now)
		if err != nil {
			continue
		}
		return dispatchTarget{auth: candidate.Profile.Auth(), credential: cred}, nil
	}
	return dispatchTarget{}, ErrPoolsExhausted
}

// Dispatch resolves the requested model, consumes a credential from the
// healthiest capable profile, and opens the upstream evaluation stream. On a
// non-2xx upstream answer the failure is charged to the profile and surfaced
// as an UpstreamError; the credential is spent either way.
func (s *Service) Dispatch(ctx context.Context, req models.ChatCompletionRequest) (*DispatchResult, error) {
	model, err := s.catalog.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	target, err := s.acquire(now)
	if err != nil {
		return nil, err
	}

	evalID := newID()
	payload, err := buildEvaluationPayload(evalID, model, flattenMessages(req.Messages), target)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.ArenaBaseURL+createEvaluationPath, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	s.setHeaders(httpReq, target.auth)

	log.WithFields(log.Fields{
		"profile_id": target.auth.ProfileID,
		"model":      model.Name,
		"eval_id":    evalID,
		"credential": utils.MaskToken(target.credential.Value),
	}).Debug("dispatching upstream evaluation")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.registry.RecordError(target.auth.ProfileID)
		return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Message: "upstream request failed: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := readExcerpt(resp.Body)
		resp.Body.Close()
		s.registry.RecordError(target.auth.ProfileID)
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("upstream rejected evaluation: %s", excerpt),
		}
	}

	return &DispatchResult{
		Body:       resp.Body,
		Translator: NewTranslator("chatcmpl-"+evalID, model.Name),
		ProfileID:  target.auth.ProfileID,
	}, nil
}

// RecordError charges a post-dispatch failure (for example an error line mid
// stream) against the profile that served the request.
func (s *Service) RecordError(profileID string) {
	s.registry.RecordError(profileID)
}

// buildEvaluationPayload assembles the upstream request body. The base shape
// is marshalled from a struct; optional fields (user id, the credential in
// its v2 or v3 slot) are injected afterwards so absent values stay absent
// instead of serializing as nulls the upstream may reject.
func buildEvaluationPayload(evalID string, model models.CatalogModel, prompt string, target dispatchTarget) (string, error) {
	modality := "chat"
	if model.Category == models.CategoryImage {
		modality = "image"
	}

	base := struct {
		ID          string `json:"id"`
		Mode        string `json:"mode"`
		ModelAID    string `json:"modelAId"`
		UserMsgID   string `json:"userMessageId"`
		ModelAMsgID string `json:"modelAMessageId"`
		UserMessage struct {
			Content     string         `json:"content"`
			Attachments []struct{}     `json:"experimental_attachments"`
			Metadata    map[string]any `json:"metadata"`
		} `json:"userMessage"`
		Modality string `json:"modality"`
	}{
		ID:          evalID,
		Mode:        "direct",
		ModelAID:    model.UpstreamID,
		UserMsgID:   newID(),
		ModelAMsgID: newID(),
		Modality:    modality,
	}
	base.UserMessage.Content = prompt
	base.UserMessage.Attachments = []struct{}{}
	base.UserMessage.Metadata = map[string]any{}

	raw, err := json.Marshal(base)
	if err != nil {
		return "", err
	}
	payload := string(raw)

	if userID := findUserID(target.auth.Cookies); userID != "" {
		if payload, err = sjson.Set(payload, "userId", userID); err != nil {
			return "", err
		}
	}

	field := "recaptchaV3Token"
	if target.credential.Action == store.ActionV2 {
		field = "recaptchaV2Token"
	}
	if payload, err = sjson.Set(payload, field, target.credential.Value); err != nil {
		return "", err
	}
	return payload, nil
}

// findUserID extracts the platform user id from the cookie jar. The primary
// cookie name is checked first; failing that, any user-ish cookie long enough
// to be an id is taken, in sorted name order for determinism.
func findUserID(cookies map[string]string) string {
	if id := cookies["arena-user-id"]; id != "" {
		return id
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.Contains(strings.ToLower(name), "user") && len(cookies[name]) > 20 {
			return cookies[name]
		}
	}
	return ""
}

// flattenMessages renders the OpenAI message list as the single prompt string
// the upstream expects. System messages are hoisted to the top; when the
// conversation has more than one non-system turn, each turn is framed with a
// role marker so the model sees the history.
func flattenMessages(messages []models.ChatMessage) string {
	var system []string
	var turns []models.ChatMessage
	for _, m := range messages {
		if m.Role == "system" {
			if m.Content.Text != "" {
				system = append(system, m.Content.Text)
			}
			continue
		}
		turns = append(turns, m)
	}

	var body string
	if len(turns) == 1 {
		body = turns[0].Content.Text
	} else {
		parts := make([]string, 0, len(turns))
		for _, m := range turns {
			parts = append(parts, fmt.Sprintf("<|%s|>\n%s", m.Role, m.Content.Text))
		}
		body = strings.Join(parts, "\n\n")
	}

	if len(system) == 0 {
		return body
	}
	return strings.Join(system, "\n") + "\n\n" + body
}

// setHeaders stamps the browser-equivalent headers onto the upstream request.
// The cookie header carries the profile's full jar; cf_clearance is folded in
// when it was delivered out-of-band rather than as a cookie.
func (s *Service) setHeaders(req *http.Request, auth store.UpstreamAuth) {
	cookies := auth.Cookies
	if auth.CfClearance != "" && cookies["cf_clearance"] == "" {
		cookies = make(map[string]string, len(auth.Cookies)+1)
		for k, v := range auth.Cookies {
			cookies[k] = v
		}
		cookies["cf_clearance"] = auth.CfClearance
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", s.config.UserAgent)
	req.Header.Set("Origin", s.config.ArenaBaseURL)
	req.Header.Set("Referer", s.config.ArenaBaseURL+"/")
	if header := utils.BuildCookieHeader(cookies); header != "" {
		req.Header.Set("Cookie", header)
	}
	if auth.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+auth.AuthToken)
	}
}

// newID returns a time-ordered UUID. The upstream keys evaluations and
// messages by UUID and benefits from monotonically sortable ids.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// readExcerpt returns the head of an error body for diagnostics.
func readExcerpt(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	excerpt := strings.TrimSpace(string(b))
	if excerpt == "" {
		return "(empty body)"
	}
	return excerpt
}
