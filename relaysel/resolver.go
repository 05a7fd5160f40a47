// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package relaysel implements cascading relay selection for outgoing
// records.
//
// Callers either name their target relays outright or ask for automatic
// selection, in which case candidates are derived from the record itself:
// first the author's own advertised write relays from a cached directory
// lookup, then the relays the record was previously seen on, and finally a
// configured set of well-known fallback relays.  The first tier that still
// has members after health filtering wins.
//
// All candidate sets are canonicalized and deduplicated, unhealthy relays
// are dropped unless the caller opts out, and the surviving relays are
// ordered best score first when a scorer is configured.  Each resolution
// reports which tier satisfied it along with the candidate counts before and
// after health filtering.
package relaysel

import (
	"fmt"
	"sort"
	"time"

	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/crypto/rand"

	"github.com/meshforge/relaykit/relayaddr"
	"github.com/meshforge/relaykit/wire"
)

const (
	// defaultCacheLimit is the maximum number of author directory lookups
	// kept cached when no override is provided.
	defaultCacheLimit = 512

	// defaultCacheTTL is how long a cached author directory lookup remains
	// valid when no override is provided.
	defaultCacheTTL = time.Minute * 5
)

// Policy identifies how target relays for a record are chosen.
type Policy uint8

const (
	// PolicyAutomatic derives target relays from the record via the
	// author directory, record provenance, and fallback tiers.
	PolicyAutomatic Policy = iota

	// PolicyExplicit uses exactly the relays supplied by the caller.
	PolicyExplicit
)

// String returns the Policy as a human-readable name.
func (p Policy) String() string {
	switch p {
	case PolicyAutomatic:
		return "automatic"
	case PolicyExplicit:
		return "explicit"
	}
	return fmt.Sprintf("unknown policy (%d)", uint8(p))
}

// Source identifies which candidate tier satisfied a resolution.
type Source uint8

const (
	// SourceNone means no tier produced a usable relay.
	SourceNone Source = iota

	// SourceExplicit means the caller supplied the relays directly.
	SourceExplicit

	// SourceAuthor means the relays came from the record author's
	// advertised write relays.
	SourceAuthor

	// SourceSeen means the relays came from the record's provenance, that
	// is relays the record was previously observed on.
	SourceSeen

	// SourceFallback means the relays came from the configured fallback
	// set.
	SourceFallback
)

// String returns the Source as a human-readable name.
func (s Source) String() string {
	switch s {
	case SourceNone:
		return "none"
	case SourceExplicit:
		return "explicit"
	case SourceAuthor:
		return "author"
	case SourceSeen:
		return "seen"
	case SourceFallback:
		return "fallback"
	}
	return fmt.Sprintf("unknown source (%d)", uint8(s))
}

// Directory provides the advertised write relays for an author.  Lookups may
// be slow since implementations typically consult the network, so results
// are cached by the resolver.
type Directory interface {
	// WriteRelays returns the relays the given author has advertised as
	// accepting their records.
	WriteRelays(author string) ([]string, error)
}

// HealthFilter is the subset of the liveness tracker the resolver uses to
// drop relays that are not currently worth contacting.
type HealthFilter interface {
	// Filter returns the subset of the given relays that are currently
	// healthy, preserving their relative order.
	Filter(addrs []string) []string
}

// Scorer is the subset of the performance scoreboard the resolver uses to
// order surviving candidates.
type Scorer interface {
	// Score returns the combined [0,10] score for the given relay.
	Score(addr string) float64
}

// Options customizes a single resolution.
type Options struct {
	// Relays supplies the exact target relays for PolicyExplicit.  It is
	// ignored for PolicyAutomatic.
	Relays []string

	// IncludeUnhealthy bypasses the liveness tracker entirely so every
	// candidate survives to the result.  Used for diagnostic views.
	IncludeUnhealthy bool
}

// Resolution describes the outcome of resolving target relays for a record.
type Resolution struct {
	// Relays is the final candidate list, canonicalized, deduplicated,
	// health filtered, and ordered best score first.
	Relays []string

	// Source reports which tier satisfied the resolution.
	Source Source

	// OriginalCount is the number of unique candidates the satisfying
	// tier offered before health filtering.
	OriginalCount int

	// FilteredCount is the number of candidates that survived health
	// filtering.  It equals OriginalCount when filtering is bypassed.
	FilteredCount int
}

// Config holds the configuration options related to the resolver.
type Config struct {
	// Directory resolves an author to their advertised write relays.  The
	// author tier is skipped when it is nil.
	Directory Directory

	// Health drops relays that are not currently worth contacting.  All
	// candidates are considered healthy when it is nil.
	Health HealthFilter

	// Scorer orders surviving candidates best first.  The candidate order
	// of the satisfying tier is kept when it is nil.
	Scorer Scorer

	// Fallback is the fixed set of well-known relays used when no better
	// tier produces a usable candidate.
	Fallback []string

	// CacheLimit and CacheTTL bound the author directory lookup cache.
	//
	// Default to 512 entries and 5 minutes when zero.
	CacheLimit uint32
	CacheTTL   time.Duration
}

// Resolver chooses target relays for outgoing records.  It is safe for
// concurrent access.
type Resolver struct {
	cfg      Config
	fallback []string
	dirCache *lru.Map[string, []string]
}

// New returns a new relay resolver.  The configured fallback relays are
// canonicalized and deduplicated once up front.
func New(cfg *Config) *Resolver {
	r := Resolver{
		cfg:      *cfg,
		fallback: relayaddr.CanonicalizeSlice(cfg.Fallback),
	}
	if r.cfg.CacheLimit == 0 {
		r.cfg.CacheLimit = defaultCacheLimit
	}
	if r.cfg.CacheTTL <= 0 {
		r.cfg.CacheTTL = defaultCacheTTL
	}
	r.dirCache = lru.NewMapWithDefaultTTL[string, []string](
		r.cfg.CacheLimit, r.cfg.CacheTTL)
	return &r
}

// authorRelays returns the canonicalized advertised write relays for the
// given author, consulting the lookup cache first.  Failed lookups resolve
// to no candidates so the cascade can continue, and empty results are cached
// to avoid repeatedly querying the directory for relay-less authors.
func (r *Resolver) authorRelays(author string) []string {
	if r.cfg.Directory == nil || author == "" {
		return nil
	}

	if relays, ok := r.dirCache.Get(author); ok {
		return relays
	}

	relays, err := r.cfg.Directory.WriteRelays(author)
	if err != nil {
		log.Debugf("Directory lookup for author %s failed: %v", author,
			err)
		return nil
	}
	canonical := relayaddr.CanonicalizeSlice(relays)
	r.dirCache.Put(author, canonical)
	return canonical
}

// filterAndOrder applies health filtering and score ordering to the given
// canonical candidates and returns the survivors.
func (r *Resolver) filterAndOrder(candidates []string, opts *Options) []string {
	filtered := candidates
	if !opts.IncludeUnhealthy && r.cfg.Health != nil {
		filtered = r.cfg.Health.Filter(candidates)
	}
	if r.cfg.Scorer != nil && len(filtered) > 1 {
		scores := make(map[string]float64, len(filtered))
		for _, addr := range filtered {
			scores[addr] = r.cfg.Scorer.Score(addr)
		}
		sort.SliceStable(filtered, func(i, j int) bool {
			return scores[filtered[i]] > scores[filtered[j]]
		})
	}
	return filtered
}

// tier is one candidate source of the automatic cascade.
type tier struct {
	source     Source
	candidates []string
}

// Resolve chooses target relays for the given record according to the given
// policy.  See the package documentation for the selection semantics.  The
// record may be nil under PolicyExplicit.
func (r *Resolver) Resolve(policy Policy, rec *wire.Event, opts *Options) (*Resolution, error) {
	if opts == nil {
		opts = &Options{}
	}

	switch policy {
	case PolicyExplicit:
		candidates := relayaddr.CanonicalizeSlice(opts.Relays)
		filtered := r.filterAndOrder(candidates, opts)
		return &Resolution{
			Relays:        filtered,
			Source:        SourceExplicit,
			OriginalCount: len(candidates),
			FilteredCount: len(filtered),
		}, nil

	case PolicyAutomatic:
		// Fallback candidates are shuffled so equally scored
		// well-known relays share the load across resolutions.
		fallback := make([]string, len(r.fallback))
		copy(fallback, r.fallback)
		rand.Shuffle(len(fallback), func(i, j int) {
			fallback[i], fallback[j] = fallback[j], fallback[i]
		})

		var author, seen []string
		if rec != nil {
			author = r.authorRelays(rec.Author)
			seen = relayaddr.CanonicalizeSlice(rec.SeenOn)
		}
		tiers := []tier{
			{SourceAuthor, author},
			{SourceSeen, seen},
			{SourceFallback, fallback},
		}

		// The first tier with a surviving candidate wins.  When every
		// tier comes up empty the counts are accumulated across them
		// so a caller can still see how many candidates existed and
		// were dropped.
		var totalOriginal int
		for _, t := range tiers {
			if len(t.candidates) == 0 {
				continue
			}
			totalOriginal += len(t.candidates)
			filtered := r.filterAndOrder(t.candidates, opts)
			if len(filtered) == 0 {
				log.Debugf("All %d %v candidates filtered out",
					len(t.candidates), t.source)
				continue
			}
			return &Resolution{
				Relays:        filtered,
				Source:        t.source,
				OriginalCount: len(t.candidates),
				FilteredCount: len(filtered),
			}, nil
		}
		return &Resolution{
			Source:        SourceNone,
			OriginalCount: totalOriginal,
		}, nil
	}

	str := fmt.Sprintf("selection policy %d is not supported", policy)
	return nil, makeError(ErrInvalidPolicy, str)
}

// InvalidateAuthor drops any cached directory lookup for the given author so
// the next resolution consults the directory again.  Intended for callers
// that learn an author's advertised relays changed.
func (r *Resolver) InvalidateAuthor(author string) {
	r.dirCache.Delete(author)
}
