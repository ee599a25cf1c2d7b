// Package interest decides which shards must currently feed a client:
// the shard owning the player's position plus every neighbor whose region
// falls within view distance. Pure functions over the read-only registry;
// the Tracker adds movement hysteresis so region-boundary jitter does not
// thrash backend connections.
package interest

import (
	"errors"

	"github.com/shardmux/proxy/internal/shard"
)

// Set is the set of shards whose updates must reach the client.
type Set map[shard.ID]struct{}

func (s Set) Contains(id shard.ID) bool {
	_, ok := s[id]
	return ok
}

// Result is one interest recomputation: the owning shard (HasOwner false
// when the position lies outside all regions) and the full interest set.
type Result struct {
	Owner    shard.ID
	HasOwner bool
	Set      Set
}

// Compute derives the interest set for absolute block coordinates.
// viewDistance is in chunks. Positions outside all regions yield no owner
// and whatever neighbors the view square still touches — the client simply
// sees no world data where nobody owns the space.
func Compute(reg *shard.Registry, blockX, blockZ, viewDistance int32) Result {
	cx, cz := shard.ChunkOf(blockX, blockZ)

	res := Result{Set: make(Set)}
	owner, err := reg.OwnerOf(cx, cz)
	if err == nil {
		res.Owner = owner
		res.HasOwner = true
	} else if !errors.Is(err, shard.ErrNoOwningShard) {
		// OwnerOf has no other failure mode today; keep the branch honest.
		return res
	}

	for _, id := range reg.NeighborsWithin(cx, cz, viewDistance) {
		res.Set[id] = struct{}{}
	}
	if res.HasOwner {
		res.Set[owner] = struct{}{}
	}
	return res
}

// Delta lists the shards to attach and detach when moving between two
// interest sets.
func Delta(old, new Set) (add, remove []shard.ID) {
	for id := range new {
		if !old.Contains(id) {
			add = append(add, id)
		}
	}
	for id := range old {
		if !new.Contains(id) {
			remove = append(remove, id)
		}
	}
	return add, remove
}

// Tracker applies the hysteresis threshold: recomputation only happens once
// the player has moved far enough from the last recompute point. Owned by
// one session's coordinator goroutine — no locks.
type Tracker struct {
	reg          *shard.Registry
	viewDistance int32
	hysteresis   int32 // blocks, Chebyshev

	lastX, lastZ int32
	current      Result
	primed       bool
}

func NewTracker(reg *shard.Registry, viewDistance, hysteresisBlocks int32) *Tracker {
	return &Tracker{
		reg:          reg,
		viewDistance: viewDistance,
		hysteresis:   hysteresisBlocks,
	}
}

// Current returns the last computed result.
func (t *Tracker) Current() Result {
	return t.current
}

// Update recomputes the interest set when movement exceeds the hysteresis
// threshold (always on the first call). The second return value reports
// whether a recompute happened.
func (t *Tracker) Update(blockX, blockZ int32) (Result, bool) {
	if t.primed && chebyshev(blockX-t.lastX, blockZ-t.lastZ) < t.hysteresis {
		return t.current, false
	}
	t.lastX, t.lastZ = blockX, blockZ
	t.primed = true
	t.current = Compute(t.reg, blockX, blockZ, t.viewDistance)
	return t.current, true
}

func chebyshev(dx, dz int32) int32 {
	if dx < 0 {
		dx = -dx
	}
	if dz < 0 {
		dz = -dz
	}
	if dz > dx {
		return dz
	}
	return dx
}
