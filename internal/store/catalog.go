package store

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"arena2api/pkg/models"
)

// ErrModelNotFound is returned by Resolve when neither an exact nor a fuzzy
// match clears the similarity floor. Handlers attach the full catalog to the
// 404 body so clients can disambiguate.
var ErrModelNotFound = errors.New("model not found")

// fuzzyFloor is the minimum similarity ratio (1 - distance/len) a fuzzy
// candidate must reach. Tunable policy, not a correctness contract.
const fuzzyFloor = 0.6

// Catalog aggregates the model names and categories reported by profiles.
// Each profile contributes a set; the catalog is the union keyed by public
// name, last-writer-wins on conflicts.
type Catalog struct {
	mu        sync.RWMutex
	byProfile map[string][]models.CatalogModel
	union     map[string]models.CatalogModel
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		byProfile: make(map[string][]models.CatalogModel),
		union:     make(map[string]models.CatalogModel),
	}
}

// Register replaces profileID's contributed model set and recomputes the
// union. Capability sets from the push map to categories: "text" output →
// text, "image" output → image, "image" input → vision flag.
func (c *Catalog) Register(profileID string, pushed []PushModel) {
	contributed := make([]models.CatalogModel, 0, len(pushed))
	for _, m := range pushed {
		if m.PublicName == "" {
			continue
		}
		entry := models.CatalogModel{
			Name:       m.PublicName,
			UpstreamID: m.UpstreamID,
			Vision:     contains(m.InputCaps, "image"),
		}
		switch {
		case contains(m.OutputCaps, "image"):
			entry.Category = models.CategoryImage
		case contains(m.OutputCaps, "text"):
			entry.Category = models.CategoryText
		default:
			continue
		}
		contributed = append(contributed, entry)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byProfile[profileID] = contributed

	c.union = make(map[string]models.CatalogModel)
	ids := make([]string, 0, len(c.byProfile))
	for id := range c.byProfile {
		ids = append(ids, id)
	}
	// Deterministic profile order makes last-writer-wins reproducible.
	sort.Strings(ids)
	for _, id := range ids {
		for _, m := range c.byProfile[id] {
			c.union[m.Name] = m
		}
	}
}

func contains(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// Resolve finds the catalog entry for a requested model name. Exact
// case-sensitive match wins; otherwise a normalized fuzzy comparison picks
// the single best candidate above the similarity floor, breaking ties
// lexicographically. Misses return ErrModelNotFound.
func (c *Catalog) Resolve(requested string) (models.CatalogModel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.union[requested]; ok {
		return m, nil
	}

	norm := normalizeName(requested)
	if norm == "" {
		return models.CatalogModel{}, ErrModelNotFound
	}

	names := make([]string, 0, len(c.union))
	for name := range c.union {
		names = append(names, name)
	}
	sort.Strings(names)

	best := ""
	bestScore := 0.0
	for _, name := range names {
		score := similarity(norm, normalizeName(name))
		if score >= fuzzyFloor && score > bestScore {
			best = name
			bestScore = score
		}
	}
	if best == "" {
		return models.CatalogModel{}, ErrModelNotFound
	}
	return c.union[best], nil
}

// normalizeName lowercases and strips punctuation and whitespace so that
// "gpt 4o", "GPT-4o", and "gpt_4o" all compare equal.
func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// similarity scores two normalized names in [0,1]. Substring containment
// counts as a full match; otherwise 1 - editDistance/longerLength.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	if strings.Contains(b, a) || strings.Contains(a, b) {
		return 1
	}
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	return 1 - float64(editDistance(a, b))/float64(longer)
}

// editDistance is the Levenshtein distance between two strings.
func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// List returns the sorted public names of every catalog entry.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.union))
	for name := range c.union {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of distinct models in the union.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.union)
}

// CountsFor returns how many text and image models profileID contributes.
func (c *Catalog) CountsFor(profileID string) (text, image int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.byProfile[profileID] {
		switch m.Category {
		case models.CategoryImage:
			image++
		default:
			text++
		}
	}
	return text, image
}
