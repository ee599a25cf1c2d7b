package shard

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ID identifies one backend shard process.
type ID int32

// ErrNoOwningShard is returned when a coordinate falls outside every
// registered region. Callers treat it as "no world data here", never as a
// protocol error.
var ErrNoOwningShard = errors.New("no owning shard for coordinate")

// Region is a half-open rectangle in global chunk coordinates:
// [X1,X2) × [Z1,Z2). Each region belongs to exactly one shard.
type Region struct {
	X1 int32 `yaml:"x1"`
	Z1 int32 `yaml:"z1"`
	X2 int32 `yaml:"x2"`
	Z2 int32 `yaml:"z2"`
}

// Contains reports whether the global chunk (cx, cz) lies inside the region.
func (r Region) Contains(cx, cz int32) bool {
	return cx >= r.X1 && cx < r.X2 && cz >= r.Z1 && cz < r.Z2
}

// Overlaps reports whether two regions share any chunk.
func (r Region) Overlaps(o Region) bool {
	return r.X1 < o.X2 && o.X1 < r.X2 && r.Z1 < o.Z2 && o.Z1 < r.Z2
}

// intersectsSquare reports whether the region intersects the square of
// chunk radius around (cx, cz).
func (r Region) intersectsSquare(cx, cz, radius int32) bool {
	return r.X1 <= cx+radius && cx-radius < r.X2 &&
		r.Z1 <= cz+radius && cz-radius < r.Z2
}

// Shard describes one backend server and the region it owns. OriginX/OriginZ
// is the global chunk coordinate of the shard's local chunk (0,0); shards
// sharing one global coordinate space leave it at zero.
type Shard struct {
	ID      ID     `yaml:"id"`
	Addr    string `yaml:"addr"`
	Region  Region `yaml:"region"`
	OriginX int32  `yaml:"origin_x"`
	OriginZ int32  `yaml:"origin_z"`
}

// Registry holds the shard topology. Loaded once at startup and read-only
// afterwards, so it is shared across sessions without locks.
type Registry struct {
	shards []Shard
	byID   map[ID]*Shard
}

type topologyFile struct {
	Shards []Shard `yaml:"shards"`
}

// Load reads the shard topology from a YAML file and validates it.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}
	var file topologyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse topology %s: %w", path, err)
	}
	return New(file.Shards)
}

// New builds a registry from an in-memory shard list and validates it:
// unique IDs, non-empty addresses, well-formed and pairwise disjoint regions.
func New(shards []Shard) (*Registry, error) {
	reg := &Registry{
		shards: make([]Shard, len(shards)),
		byID:   make(map[ID]*Shard, len(shards)),
	}
	copy(reg.shards, shards)
	for i := range reg.shards {
		s := &reg.shards[i]
		if s.Addr == "" {
			return nil, fmt.Errorf("shard %d: empty address", s.ID)
		}
		if s.Region.X2 <= s.Region.X1 || s.Region.Z2 <= s.Region.Z1 {
			return nil, fmt.Errorf("shard %d: empty region", s.ID)
		}
		if _, dup := reg.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate shard id %d", s.ID)
		}
		reg.byID[s.ID] = s
	}
	for i := range reg.shards {
		for j := i + 1; j < len(reg.shards); j++ {
			if reg.shards[i].Region.Overlaps(reg.shards[j].Region) {
				return nil, fmt.Errorf("shards %d and %d own overlapping regions",
					reg.shards[i].ID, reg.shards[j].ID)
			}
		}
	}
	return reg, nil
}

// Get returns the shard with the given ID, or nil.
func (reg *Registry) Get(id ID) *Shard {
	return reg.byID[id]
}

// All returns every registered shard.
func (reg *Registry) All() []Shard {
	return reg.shards
}

// Count returns the number of registered shards.
func (reg *Registry) Count() int {
	return len(reg.shards)
}

// OwnerOf returns the shard owning the global chunk (cx, cz).
// ErrNoOwningShard when the chunk lies outside all regions.
func (reg *Registry) OwnerOf(cx, cz int32) (ID, error) {
	for i := range reg.shards {
		if reg.shards[i].Region.Contains(cx, cz) {
			return reg.shards[i].ID, nil
		}
	}
	return 0, fmt.Errorf("chunk (%d,%d): %w", cx, cz, ErrNoOwningShard)
}

// NeighborsWithin returns every shard whose region intersects the square of
// the given chunk radius around (cx, cz), owner included. Order is the
// registration order, so results are deterministic.
func (reg *Registry) NeighborsWithin(cx, cz, radius int32) []ID {
	var ids []ID
	for i := range reg.shards {
		if reg.shards[i].Region.intersectsSquare(cx, cz, radius) {
			ids = append(ids, reg.shards[i].ID)
		}
	}
	return ids
}

// ChunkOf converts absolute block coordinates to chunk coordinates.
func ChunkOf(blockX, blockZ int32) (int32, int32) {
	return blockX >> 4, blockZ >> 4
}
