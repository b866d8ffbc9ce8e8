// Package store holds the server's shared mutable state: per-profile
// credential pools, the profile registry, and the aggregated model catalog.
// Per-profile state is the unit of mutual exclusion; operations on different
// profiles run fully concurrently.
package store

import (
	"errors"
	"time"
)

// ErrExhausted is returned by TakeCredential when a profile has no unexpired
// credential left.
var ErrExhausted = errors.New("credential pool exhausted")

// minTokenLength filters obviously truncated reCAPTCHA tokens at ingest;
// real tokens are several hundred characters.
const minTokenLength = 20

// ActionV2 tags the single-slot fallback token so the request builder knows
// to send it in the v2 field instead of the v3 one.
const ActionV2 = "recaptcha_v2"

// Credential is a perishable anti-automation token usable for exactly one
// upstream request. It is destroyed on consumption or expiry, whichever
// comes first.
type Credential struct {
	Value     string
	Action    string
	MintedAt  time.Time
	ExpiresAt time.Time
}

// credentialPool is the per-profile queue of perishable credentials plus a
// single-slot v2 fallback token. It has no lock of its own: every method
// must be called with the owning profile's mutex held.
type credentialPool struct {
	queue    []Credential // oldest first
	v2       *Credential
	max      int
	lifetime time.Duration
}

// add merges one credential into the queue. Tokens that are too short,
// already past their lifetime, or duplicates of a queued value are dropped.
// The queue is FIFO-bounded: inserting beyond max evicts the oldest entry,
// never the newest.
func (cp *credentialPool) add(value, action string, age time.Duration, now time.Time) bool {
	if len(value) < minTokenLength {
		return false
	}
	if age < 0 {
		age = 0
	}
	if age >= cp.lifetime {
		return false
	}
	for _, c := range cp.queue {
		if c.Value == value {
			return false
		}
	}

	minted := now.Add(-age)
	cp.queue = append(cp.queue, Credential{
		Value:     value,
		Action:    action,
		MintedAt:  minted,
		ExpiresAt: minted.Add(cp.lifetime),
	})
	for len(cp.queue) > cp.max {
		cp.queue = cp.queue[1:]
	}
	return true
}

// setV2 stores the fallback v2 token, replacing any previous one.
func (cp *credentialPool) setV2(value string, age time.Duration, now time.Time) bool {
	if value == "" || age >= cp.lifetime {
		return false
	}
	if age < 0 {
		age = 0
	}
	minted := now.Add(-age)
	cp.v2 = &Credential{
		Value:     value,
		Action:    ActionV2,
		MintedAt:  minted,
		ExpiresAt: minted.Add(cp.lifetime),
	}
	return true
}

// take removes and returns the oldest unexpired credential. When the v3
// queue is empty it falls back to the single-slot v2 token. The returned
// credential is gone from the pool; it is never handed out twice.
func (cp *credentialPool) take(now time.Time) (Credential, error) {
	cp.sweep(now)
	if len(cp.queue) > 0 {
		c := cp.queue[0]
		cp.queue = cp.queue[1:]
		return c, nil
	}
	if cp.v2 != nil {
		c := *cp.v2
		cp.v2 = nil
		return c, nil
	}
	return Credential{}, ErrExhausted
}

// sweep drops expired entries. Runs before every take and from the
// registry's background ticker.
func (cp *credentialPool) sweep(now time.Time) {
	kept := cp.queue[:0]
	for _, c := range cp.queue {
		if now.Before(c.ExpiresAt) {
			kept = append(kept, c)
		}
	}
	cp.queue = kept
	if cp.v2 != nil && !now.Before(cp.v2.ExpiresAt) {
		cp.v2 = nil
	}
}

// size returns the number of unexpired v3 credentials.
func (cp *credentialPool) size(now time.Time) int {
	n := 0
	for _, c := range cp.queue {
		if now.Before(c.ExpiresAt) {
			n++
		}
	}
	return n
}

// hasV2 reports whether an unexpired v2 fallback token is present.
func (cp *credentialPool) hasV2(now time.Time) bool {
	return cp.v2 != nil && now.Before(cp.v2.ExpiresAt)
}
