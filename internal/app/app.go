// Package app assembles the HTTP application: the OpenAI-compatible chat
// surface, the extension push surface, and the diagnostic endpoints.
package app

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"arena2api/internal/auth"
	"arena2api/internal/llm"
	"arena2api/internal/store"
	"arena2api/pkg/models"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// maxPushBody bounds the extension push payload. A full push (cookies, a
// token batch, the model catalog) is well under a megabyte.
const maxPushBody = 10 << 20

// App represents the application with its dependencies.
type App struct {
	Router   *http.ServeMux
	Registry *store.Registry
	Catalog  *store.Catalog
	LLM      *llm.ServerState
}

// NewApp creates a new App with all routes registered.
func NewApp() *App {
	cfg := llm.GetConfig()
	catalog := store.NewCatalog()
	registry := store.NewRegistry(catalog, cfg.PoolMax, cfg.CredentialLifetime, cfg.StalenessThreshold)

	a := &App{
		Router:   http.NewServeMux(),
		Registry: registry,
		Catalog:  catalog,
		LLM:      llm.NewServerState(registry, catalog),
	}

	a.Router.HandleFunc("/health", a.handleHealth)
	a.Router.HandleFunc("/v1/extension/push", a.handlePush)
	a.Router.HandleFunc("/v1/extension/status", a.handleStatus)
	a.Router.HandleFunc("/admin/status", a.handleStatus)
	a.LLM.RegisterHandlers(a.Router)

	return a
}

// Handler returns the router wrapped with CORS handling. The push surface is
// called from a browser extension, so preflights must succeed.
func (a *App) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Extension-Secret")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		a.Router.ServeHTTP(w, r)
	})
}

// handleHealth reports process liveness plus a one-line pool summary.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := a.Registry.Snapshot(time.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_profiles": snap.ActiveProfiles,
		"total_profiles":  snap.TotalProfiles,
		"catalog_size":    snap.CatalogSize,
	})
}

// handlePush ingests a state push from the browser extension. The payload is
// parsed leniently: recognized fields are coerced, unknown ones ignored, so
// extension versions can evolve ahead of the server.
func (a *App) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !auth.VerifyPushSecret(r.Header.Get("X-Extension-Secret")) {
		writeError(w, http.StatusUnauthorized, "invalid extension secret")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		writeError(w, http.StatusBadRequest, "push body must be a JSON object")
		return
	}

	root := gjson.ParseBytes(body)
	payload, ok := parsePush(root)
	if !ok {
		writeError(w, http.StatusBadRequest, "push carries no recognized fields")
		return
	}

	result := a.Registry.IngestPush(root.Get("profile_id").String(), payload)
	writeJSON(w, http.StatusOK, models.PushResponse{
		Status:     "ok",
		ProfileID:  result.ProfileID,
		PoolMax:    a.Registry.PoolMax(),
		NeedTokens: result.NeedTokens,
		V3Count:    result.V3Count,
	})
}

// parsePush coerces the loose push JSON into the typed payload. It reports
// false when none of the known fields is present at all.
func parsePush(root gjson.Result) (store.PushPayload, bool) {
	payload := store.PushPayload{Cookies: map[string]string{}}
	recognized := false

	if cookies := root.Get("cookies"); cookies.IsObject() {
		recognized = true
		cookies.ForEach(func(key, value gjson.Result) bool {
			payload.Cookies[key.String()] = value.String()
			return true
		})
	}
	if v := root.Get("auth_token"); v.Exists() {
		recognized = true
		payload.AuthToken = v.String()
	}
	if v := root.Get("cf_clearance"); v.Exists() {
		recognized = true
		payload.CfClearance = v.String()
	}
	if tokens := root.Get("v3_tokens"); tokens.IsArray() {
		recognized = true
		tokens.ForEach(func(_, item gjson.Result) bool {
			payload.V3Tokens = append(payload.V3Tokens, pushToken(item))
			return true
		})
	}
	if v2 := root.Get("v2_token"); v2.Exists() {
		recognized = true
		if v2.IsObject() {
			t := pushToken(v2)
			payload.V2Token = &t
		} else if v2.String() != "" {
			payload.V2Token = &store.PushToken{Token: v2.String()}
		}
	}
	if modelList := root.Get("models"); modelList.IsArray() {
		recognized = true
		modelList.ForEach(func(_, item gjson.Result) bool {
			m := store.PushModel{
				PublicName: item.Get("publicName").String(),
				UpstreamID: item.Get("id").String(),
			}
			item.Get("capabilities.outputCapabilities").ForEach(func(key, value gjson.Result) bool {
				if value.Bool() || value.IsObject() {
					m.OutputCaps = append(m.OutputCaps, key.String())
				}
				return true
			})
			item.Get("capabilities.inputCapabilities").ForEach(func(key, value gjson.Result) bool {
				if value.Bool() || value.IsObject() {
					m.InputCaps = append(m.InputCaps, key.String())
				}
				return true
			})
			payload.Models = append(payload.Models, m)
			return true
		})
	}

	return payload, recognized
}

// pushToken reads one token entry, tolerating age_ms sent as number or string.
func pushToken(item gjson.Result) store.PushToken {
	return store.PushToken{
		Token:  item.Get("token").String(),
		Action: item.Get("action").String(),
		AgeMS:  item.Get("age_ms").Int(),
	}
}

// handleStatus serves the registry snapshot for the extension popup and for
// operators.
func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !auth.VerifyPushSecret(r.Header.Get("X-Extension-Secret")) {
		writeError(w, http.StatusUnauthorized, "invalid extension secret")
		return
	}
	writeJSON(w, http.StatusOK, a.Registry.Snapshot(time.Now()))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: models.ErrorBody{
		Message: message,
		Type:    "invalid_request_error",
	}})
}
