package channel

import (
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/wkazubski/gnss-sdr/pkg/acquisition"
	"github.com/wkazubski/gnss-sdr/pkg/gnss"
)

// ReplicaCache shares sampled code replicas across channels. Entries are
// immutable once stored; concurrent Get calls for the same key may both
// generate, the loser's copy is discarded.
type ReplicaCache struct {
	m cmap.ConcurrentMap[string, []complex128]
}

// NewReplicaCache builds an empty cache.
func NewReplicaCache() *ReplicaCache {
	return &ReplicaCache{m: cmap.New[[]complex128]()}
}

// Get returns the sampled replica for signal+PRN at the given rate,
// generating and storing it on first use.
func (r *ReplicaCache) Get(sig gnss.Signal, prn int, sampleRateHz float64) ([]complex128, error) {
	key := fmt.Sprintf("%s/%d/%.0f", sig.Name, prn, sampleRateHz)
	if v, ok := r.m.Get(key); ok {
		return v, nil
	}
	replica, err := acquisition.SampledReplica(sig, prn, sampleRateHz)
	if err != nil {
		return nil, err
	}
	r.m.SetIfAbsent(key, replica)
	v, _ := r.m.Get(key)
	return v, nil
}
