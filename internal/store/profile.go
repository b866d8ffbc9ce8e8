package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"arena2api/pkg/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// errorDecayWindow bounds how long past dispatch failures weigh on a
// profile's health. Errors older than the window stop counting.
const errorDecayWindow = 5 * time.Minute

// Profile is one upstream account: its session cookies, auth material, and
// credential pool. All mutable fields are guarded by mu; the registry never
// mutates a profile without holding it.
type Profile struct {
	mu sync.Mutex

	ID          string
	Cookies     map[string]string
	AuthToken   string
	CfClearance string
	pool        credentialPool

	LastPushAt  time.Time
	PushCount   int
	ErrorCount  int
	LastErrorAt time.Time
}

// UpstreamAuth is a point-in-time copy of the material needed to build an
// upstream request. Taking a copy keeps the profile lock out of network I/O.
type UpstreamAuth struct {
	ProfileID   string
	Cookies     map[string]string
	AuthToken   string
	CfClearance string
}

// TakeCredential atomically removes and returns the oldest unexpired
// credential, or ErrExhausted. No two callers ever receive the same value.
func (p *Profile) TakeCredential(now time.Time) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool.take(now)
}

// Auth snapshots the profile's cookies and auth material.
func (p *Profile) Auth() UpstreamAuth {
	p.mu.Lock()
	defer p.mu.Unlock()

	cookies := make(map[string]string, len(p.Cookies))
	for k, v := range p.Cookies {
		cookies[k] = v
	}
	return UpstreamAuth{
		ProfileID:   p.ID,
		Cookies:     cookies,
		AuthToken:   p.AuthToken,
		CfClearance: p.CfClearance,
	}
}

// PushToken is one perishable token delivered by the extension.
type PushToken struct {
	Token  string
	Action string
	AgeMS  int64
}

// PushModel is one model entry reported by the extension, with the raw
// capability sets from the upstream catalog.
type PushModel struct {
	PublicName string
	UpstreamID string
	OutputCaps []string
	InputCaps  []string
}

// PushPayload is the validated form of an extension push.
type PushPayload struct {
	Cookies     map[string]string
	AuthToken   string
	CfClearance string
	V3Tokens    []PushToken
	V2Token     *PushToken
	Models      []PushModel
}

// PushResult is what IngestPush reports back to the extension.
type PushResult struct {
	ProfileID  string
	NeedTokens bool
	V3Count    int
}

// Registry is the identity-keyed store of all known profiles. It is the
// single entry point for ingesting pushes and for listing dispatch
// candidates.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile

	catalog      *Catalog
	poolMax      int
	credLifetime time.Duration
	staleness    time.Duration
}

// NewRegistry creates an empty registry. State is process-local and rebuilt
// entirely from pushes after a restart.
func NewRegistry(catalog *Catalog, poolMax int, credLifetime, staleness time.Duration) *Registry {
	return &Registry{
		profiles:     make(map[string]*Profile),
		catalog:      catalog,
		poolMax:      poolMax,
		credLifetime: credLifetime,
		staleness:    staleness,
	}
}

// PoolMax returns the configured per-profile credential bound.
func (r *Registry) PoolMax() int { return r.poolMax }

// IngestPush merges an extension push into the owning profile. A profile is
// created on the first push bearing an unseen id; when the id is absent a
// fresh one is assigned and returned so the extension can persist it.
// LastPushAt is updated unconditionally, even for empty payloads, so
// liveness tracking stays accurate.
func (r *Registry) IngestPush(profileID string, payload PushPayload) PushResult {
	if profileID == "" {
		profileID = uuid.NewString()
	}
	p := r.getOrCreate(profileID)

	now := time.Now()
	added := 0

	p.mu.Lock()
	p.LastPushAt = now
	p.PushCount++

	// Additive cookie merge: incoming empty values never clobber existing
	// non-empty ones.
	for name, value := range payload.Cookies {
		if value == "" && p.Cookies[name] != "" {
			continue
		}
		p.Cookies[name] = value
	}

	if payload.AuthToken != "" {
		p.AuthToken = payload.AuthToken
	} else if p.AuthToken == "" {
		p.AuthToken = reassembleFragmented(p.Cookies)
	}
	if payload.CfClearance != "" {
		p.CfClearance = payload.CfClearance
	} else if v := p.Cookies["cf_clearance"]; v != "" && p.CfClearance == "" {
		p.CfClearance = v
	}

	for _, t := range payload.V3Tokens {
		if p.pool.add(t.Token, t.Action, time.Duration(t.AgeMS)*time.Millisecond, now) {
			added++
		}
	}
	if payload.V2Token != nil {
		p.pool.setV2(payload.V2Token.Token, time.Duration(payload.V2Token.AgeMS)*time.Millisecond, now)
	}

	p.pool.sweep(now)
	size := p.pool.size(now)
	need := size < r.poolMax/2
	p.mu.Unlock()

	if len(payload.Models) > 0 {
		r.catalog.Register(profileID, payload.Models)
	}

	log.WithFields(log.Fields{
		"profile_id":  profileID,
		"tokens_new":  added,
		"tokens_held": size,
		"models":      len(payload.Models),
	}).Debug("push ingested")

	return PushResult{ProfileID: profileID, NeedTokens: need, V3Count: size}
}

func (r *Registry) getOrCreate(profileID string) *Profile {
	r.mu.RLock()
	p, ok := r.profiles[profileID]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = r.profiles[profileID]; ok {
		return p
	}
	p = &Profile{
		ID:      profileID,
		Cookies: make(map[string]string),
		pool: credentialPool{
			max:      r.poolMax,
			lifetime: r.credLifetime,
		},
	}
	r.profiles[profileID] = p
	log.WithField("profile_id", profileID).Info("profile registered")
	return p
}

// reassembleFragmented joins a cookie pair like "name.0"+"name.1" into the
// whole auth token when the unfragmented form is absent. Browsers split
// oversized auth cookies this way.
func reassembleFragmented(cookies map[string]string) string {
	for name, first := range cookies {
		if !strings.HasSuffix(name, ".0") || first == "" {
			continue
		}
		prefix := strings.TrimSuffix(name, ".0")
		if whole := cookies[prefix]; whole != "" {
			return whole
		}
		if second := cookies[prefix+".1"]; second != "" {
			return first + second
		}
	}
	return ""
}

// Get returns a profile by id, or nil.
func (r *Registry) Get(profileID string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[profileID]
}

// RecordError charges a dispatch failure against a profile's health.
func (r *Registry) RecordError(profileID string) {
	p := r.Get(profileID)
	if p == nil {
		return
	}
	p.mu.Lock()
	p.ErrorCount++
	p.LastErrorAt = time.Now()
	p.mu.Unlock()
}

// ScoredProfile pairs a dispatch candidate with its health at ranking time.
type ScoredProfile struct {
	Profile *Profile
	Health  float64
}

// ListActive returns the profiles pushed within the staleness threshold,
// ranked by health descending. Ties break on profile id so the order is
// deterministic.
func (r *Registry) ListActive(now time.Time) []ScoredProfile {
	r.mu.RLock()
	candidates := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		candidates = append(candidates, p)
	}
	r.mu.RUnlock()

	active := make([]ScoredProfile, 0, len(candidates))
	for _, p := range candidates {
		p.mu.Lock()
		if !p.LastPushAt.IsZero() && now.Sub(p.LastPushAt) < r.staleness {
			active = append(active, ScoredProfile{Profile: p, Health: r.healthLocked(p, now)})
		}
		p.mu.Unlock()
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].Health != active[j].Health {
			return active[i].Health > active[j].Health
		}
		return active[i].Profile.ID < active[j].Profile.ID
	})
	return active
}

// healthLocked computes the selection heuristic for a profile. The exact
// weights are tunable policy; the contract is monotonicity: more queued
// credentials, fresher pushes, and present auth material raise the score,
// recent errors lower it. Caller holds p.mu.
func (r *Registry) healthLocked(p *Profile, now time.Time) float64 {
	score := 0.0

	queued := p.pool.size(now)
	if queued > 10 {
		queued = 10
	}
	score += float64(queued) * 10

	// Freshness: linear decay from 40 to 0 across the staleness window.
	age := now.Sub(p.LastPushAt)
	if age < 0 {
		age = 0
	}
	if age < r.staleness {
		score += 40 * (1 - age.Seconds()/r.staleness.Seconds())
	}

	if p.AuthToken != "" {
		score += 15
	}
	if p.CfClearance != "" {
		score += 10
	}

	if p.ErrorCount > 0 && now.Sub(p.LastErrorAt) < errorDecayWindow {
		errs := p.ErrorCount
		if errs > 5 {
			errs = 5
		}
		score -= float64(errs) * 8
	}
	return score
}

// SweepExpired drops expired credentials across all profiles.
func (r *Registry) SweepExpired(now time.Time) {
	r.mu.RLock()
	profiles := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		profiles = append(profiles, p)
	}
	r.mu.RUnlock()

	for _, p := range profiles {
		p.mu.Lock()
		p.pool.sweep(now)
		p.mu.Unlock()
	}
}

// StartSweeper runs the periodic expiry sweep until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				r.SweepExpired(t)
			}
		}
	}()
}

// Snapshot returns the diagnostic view served by the status endpoints.
func (r *Registry) Snapshot(now time.Time) models.StatusSnapshot {
	r.mu.RLock()
	profiles := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		profiles = append(profiles, p)
	}
	r.mu.RUnlock()

	snap := models.StatusSnapshot{
		TotalProfiles: len(profiles),
		CatalogSize:   r.catalog.Len(),
		Profiles:      make([]models.ProfileStatus, 0, len(profiles)),
	}
	for _, p := range profiles {
		p.mu.Lock()
		active := !p.LastPushAt.IsZero() && now.Sub(p.LastPushAt) < r.staleness
		if active {
			snap.ActiveProfiles++
		}
		var agoPtr *float64
		if !p.LastPushAt.IsZero() {
			ago := now.Sub(p.LastPushAt).Seconds()
			agoPtr = &ago
		}
		cookies := make([]string, 0, len(p.Cookies))
		for name := range p.Cookies {
			cookies = append(cookies, name)
		}
		sort.Strings(cookies)

		textCount, imageCount := r.catalog.CountsFor(p.ID)
		snap.Profiles = append(snap.Profiles, models.ProfileStatus{
			ProfileID:   p.ID,
			Active:      active,
			LastPushAgo: agoPtr,
			Health:      r.healthLocked(p, now),
			V3Tokens:    p.pool.size(now),
			HasV2:       p.pool.hasV2(now),
			HasAuth:     p.AuthToken != "",
			HasCf:       p.CfClearance != "",
			PushCount:   p.PushCount,
			ErrorCount:  p.ErrorCount,
			TextModels:  textCount,
			ImageModels: imageCount,
			Cookies:     cookies,
		})
		p.mu.Unlock()
	}

	sort.Slice(snap.Profiles, func(i, j int) bool {
		return snap.Profiles[i].ProfileID < snap.Profiles[j].ProfileID
	})
	return snap
}
