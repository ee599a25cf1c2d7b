// Package mapping implements the per-session identifier translation table:
// every shard numbers entities in its own space, and the proxy exposes one
// unified numbering space to the client.
package mapping

import (
	"errors"
	"fmt"

	"github.com/shardmux/proxy/internal/shard"
)

// ErrUnknownIdentifier is returned when an outbound translation has no live
// mapping — stale client state. The caller drops the packet.
var ErrUnknownIdentifier = errors.New("unknown identifier")

// eidBase is where proxy-global entity IDs start. Keeping them far above
// typical shard-local IDs makes a missed translation visible in captures.
const eidBase = 0x10000000

type localKey struct {
	shard shard.ID
	eid   int32
}

type entry struct {
	shard shard.ID
	local int32
}

// Table is owned exclusively by one client session and accessed only from
// that session's coordinator goroutine — no locks.
//
// Invariants: the global↔(shard,local) mapping is a bijection at every
// instant, and a released global ID is not reused until the despawn has
// been acknowledged toward the client (AckDespawn).
type Table struct {
	next       int32
	byGlobal   map[int32]entry
	byLocal    map[localKey]int32
	owner      map[int32]shard.ID // shard that first introduced the global ID
	pendingAck map[int32]struct{}
	freeList   []int32
}

func NewTable() *Table {
	return &Table{
		next:       eidBase,
		byGlobal:   make(map[int32]entry),
		byLocal:    make(map[localKey]int32),
		owner:      make(map[int32]shard.ID),
		pendingAck: make(map[int32]struct{}),
		freeList:   nil,
	}
}

// Inbound translates a shard-local entity ID to the proxy-global ID,
// allocating a fresh one on first sight. The first shard to report an ID
// becomes the sole despawn authority for it.
func (t *Table) Inbound(s shard.ID, local int32) int32 {
	key := localKey{shard: s, eid: local}
	if g, ok := t.byLocal[key]; ok {
		return g
	}
	g := t.alloc()
	t.byLocal[key] = g
	t.byGlobal[g] = entry{shard: s, local: local}
	t.owner[g] = s
	return g
}

// Bind inserts a mapping to a caller-chosen global ID instead of allocating
// one. Used for the player's own entity: every attached shard issues its own
// self ID, and the authoritative shard's self ID must resolve to the single
// global ID the client learned at login.
func (t *Table) Bind(s shard.ID, local, global int32) {
	key := localKey{shard: s, eid: local}
	t.byLocal[key] = global
	t.byGlobal[global] = entry{shard: s, local: local}
	t.owner[global] = s
}

// Unbind removes a mapping without scheduling a clientward despawn. The
// inverse of Bind, used when handing the self entity to another shard.
func (t *Table) Unbind(s shard.ID, local int32) {
	key := localKey{shard: s, eid: local}
	g, ok := t.byLocal[key]
	if !ok {
		return
	}
	delete(t.byLocal, key)
	delete(t.byGlobal, g)
	delete(t.owner, g)
}

// Outbound translates a proxy-global ID back to the shard-local ID for the
// given target shard. ErrUnknownIdentifier when no live mapping exists for
// that shard.
func (t *Table) Outbound(s shard.ID, global int32) (int32, error) {
	e, ok := t.byGlobal[global]
	if !ok || e.shard != s {
		return 0, fmt.Errorf("global %d on shard %d: %w", global, s, ErrUnknownIdentifier)
	}
	return e.local, nil
}

// Resolve returns the shard and local ID behind a global ID, for routing
// entity-subject packets to the shard that owns the entity.
func (t *Table) Resolve(global int32) (shard.ID, int32, error) {
	e, ok := t.byGlobal[global]
	if !ok {
		return 0, 0, fmt.Errorf("global %d: %w", global, ErrUnknownIdentifier)
	}
	return e.shard, e.local, nil
}

// Owner returns the shard holding despawn authority over a global ID.
func (t *Table) Owner(global int32) (shard.ID, bool) {
	s, ok := t.owner[global]
	return s, ok
}

// Release drops the mapping for a shard-local ID. Idempotent: destroy
// notifications arrive from multiple paths (explicit despawn and interest
// shrink), so releasing an already-released ID is a no-op. The returned
// global ID (-1 when already released) stays reserved until AckDespawn.
func (t *Table) Release(s shard.ID, local int32) int32 {
	key := localKey{shard: s, eid: local}
	g, ok := t.byLocal[key]
	if !ok {
		return -1
	}
	delete(t.byLocal, key)
	delete(t.byGlobal, g)
	delete(t.owner, g)
	t.pendingAck[g] = struct{}{}
	return g
}

// ReleaseShard drops every mapping owned by one shard and returns the
// affected global IDs so the coordinator can despawn them clientward.
func (t *Table) ReleaseShard(s shard.ID) []int32 {
	var globals []int32
	for key, g := range t.byLocal {
		if key.shard != s {
			continue
		}
		delete(t.byLocal, key)
		delete(t.byGlobal, g)
		delete(t.owner, g)
		t.pendingAck[g] = struct{}{}
		globals = append(globals, g)
	}
	return globals
}

// AckDespawn marks a released global ID as acknowledged toward the client,
// returning it to the free list for reuse. Called after the destroy packet
// has been queued on the client's ordered stream.
func (t *Table) AckDespawn(global int32) {
	if _, ok := t.pendingAck[global]; !ok {
		return
	}
	delete(t.pendingAck, global)
	t.freeList = append(t.freeList, global)
}

// Live returns the number of currently mapped entities.
func (t *Table) Live() int {
	return len(t.byGlobal)
}

func (t *Table) alloc() int32 {
	if n := len(t.freeList); n > 0 {
		g := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		return g
	}
	g := t.next
	t.next++
	return g
}
