// Package identity maps unstable model-native object ids onto stable,
// globally unique track ids.
package identity

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// DefaultExpiry matches the tracking coordinator's default disappearance window
const DefaultExpiry = time.Second

// TrackIdentity is the record kept per (native id, model type) pair
type TrackIdentity struct {
	TrackID      string
	NativeID     any
	ModelType    string
	CreatedAt    time.Time
	LastResolved time.Time
}

// Stats summarises the live mappings
type Stats struct {
	TotalMappings int
	ByModel       map[string]int
}

// Registry resolves native ids to track ids. A mapping that has not been
// resolved for longer than the expiry window is retired, so a detector that
// recycles its native numbering gets a fresh track id for the new object.
// Idleness is measured on the frame clock passed to Resolve, the same clock
// the tracking coordinator expires tracks on.
//
// Each entity session owns one Registry, since native ids are only unique
// within one detector stream. It is created with the session and closed when
// the session stops.
type Registry struct {
	mu      sync.Mutex
	entries *cache.Cache
	expiry  time.Duration
	minted  uint64
}

// NewRegistry creates a registry with the given idle expiry
func NewRegistry(expiry time.Duration) *Registry {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}

	return &Registry{
		// No janitor: entries leave through Release or frame-time expiry only
		entries: cache.New(cache.NoExpiration, 0),
		expiry:  expiry,
	}
}

// The dynamic type is part of the key so "1" and 1 stay distinct
func key(nativeID any, modelType string) string {
	return fmt.Sprintf("%s|%T|%v", modelType, nativeID, nativeID)
}

// Resolve returns the track id for the pair as of frame time at, minting one
// when no live mapping exists. Concurrent calls for the same pair agree.
func (r *Registry) Resolve(nativeID any, modelType string, at time.Time) string {
	k := key(nativeID, modelType)

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, found := r.entries.Get(k); found {
		ident := v.(TrackIdentity)
		if at.Sub(ident.LastResolved) <= r.expiry {
			// Out-of-order frames never move the clock backwards
			if at.After(ident.LastResolved) {
				ident.LastResolved = at
				r.entries.Set(k, ident, cache.NoExpiration)
			}
			return ident.TrackID
		}
		r.entries.Delete(k)
	}

	ident := TrackIdentity{
		TrackID:      newTrackID(),
		NativeID:     nativeID,
		ModelType:    modelType,
		CreatedAt:    at,
		LastResolved: at,
	}

	if err := r.entries.Add(k, ident, cache.NoExpiration); err != nil {
		// Add under the lock cannot collide with another resolve
		log.Printf("[Registry] Invariant violation: mapping for %s appeared during resolve (%v), minting fresh id", k, err)
		ident.TrackID = newTrackID()
		r.entries.Set(k, ident, cache.NoExpiration)
	}
	r.minted++

	return ident.TrackID
}

// Lookup returns the live identity for the pair without refreshing it
func (r *Registry) Lookup(nativeID any, modelType string) (TrackIdentity, bool) {
	v, found := r.entries.Get(key(nativeID, modelType))
	if !found {
		return TrackIdentity{}, false
	}
	return v.(TrackIdentity), true
}

// Release drops the mapping for a track that has disappeared, provided the
// pair still maps to trackID. A mapping already reissued to a newer track is
// left alone. The next Resolve for a released pair mints a new id.
func (r *Registry) Release(nativeID any, modelType, trackID string) bool {
	k := key(nativeID, modelType)

	r.mu.Lock()
	defer r.mu.Unlock()

	v, found := r.entries.Get(k)
	if !found || v.(TrackIdentity).TrackID != trackID {
		return false
	}
	r.entries.Delete(k)
	return true
}

// Stats returns mapping counts per model type
func (r *Registry) Stats() Stats {
	items := r.entries.Items()

	stats := Stats{
		TotalMappings: len(items),
		ByModel:       make(map[string]int),
	}
	for _, item := range items {
		ident := item.Object.(TrackIdentity)
		stats.ByModel[ident.ModelType]++
	}
	return stats
}

// Minted returns how many track ids have been issued since startup
func (r *Registry) Minted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minted
}

// Expiry is the idle window after which mappings are evicted
func (r *Registry) Expiry() time.Duration {
	return r.expiry
}

// Close drops all mappings
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries.Flush()
	log.Printf("[Registry] Closed after minting %d track ids", r.minted)
}

func newTrackID() string {
	return "trk_" + uuid.NewString()
}
