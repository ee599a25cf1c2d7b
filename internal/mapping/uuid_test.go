package mapping

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestOfflineUUID(t *testing.T) {
	u := OfflineUUID("Notch")
	assert.Equal(t, uuid.Version(3), u.Version())
	assert.Equal(t, uuid.RFC4122, u.Variant())
	assert.Equal(t, u, OfflineUUID("Notch"), "derivation is deterministic")
	assert.NotEqual(t, u, OfflineUUID("notch"), "name is case-sensitive")
}

func TestUUIDTable(t *testing.T) {
	proxyID := OfflineUUID("Steve")
	tbl := NewUUIDTable(proxyID)

	issued1 := uuid.New()
	issued2 := uuid.New()
	tbl.Record(1, issued1)
	tbl.Record(2, issued2)

	assert.Equal(t, proxyID, tbl.ToClient(issued1), "shard-issued self UUID collapses to the proxy UUID")
	assert.Equal(t, proxyID, tbl.ToClient(issued2))

	other := uuid.New()
	assert.Equal(t, other, tbl.ToClient(other), "foreign UUIDs pass through")

	assert.Equal(t, issued1, tbl.ToShard(1, proxyID))
	assert.Equal(t, issued2, tbl.ToShard(2, proxyID))
	assert.Equal(t, other, tbl.ToShard(1, other))

	tbl.Drop(1)
	assert.Equal(t, issued1, tbl.ToClient(issued1), "dropped shard's UUID no longer collapses")
	assert.Equal(t, proxyID, tbl.ToShard(1, proxyID), "no issued UUID recorded, proxy UUID passes unchanged")
}
