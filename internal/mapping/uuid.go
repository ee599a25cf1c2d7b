package mapping

import (
	"crypto/md5"

	"github.com/google/uuid"
	"github.com/shardmux/proxy/internal/shard"
)

// OfflineUUID derives the offline-mode UUID for a player name: an MD5-based
// (version 3) UUID over "OfflinePlayer:<name>", matching what offline shards
// compute for the same name.
func OfflineUUID(name string) uuid.UUID {
	sum := md5.Sum([]byte("OfflinePlayer:" + name))
	sum[6] = (sum[6] & 0x0f) | 0x30 // version 3
	sum[8] = (sum[8] & 0x3f) | 0x80 // RFC 4122 variant
	return uuid.UUID(sum)
}

// UUIDTable records, per shard, the UUID the shard issued for this client's
// synthetic identity. Clientward occurrences of any shard-issued self UUID
// are rewritten to the single proxy UUID the client was told at login.
// Owned by one session's coordinator goroutine — no locks.
type UUIDTable struct {
	proxy   uuid.UUID
	byShard map[shard.ID]uuid.UUID
}

func NewUUIDTable(proxyUUID uuid.UUID) *UUIDTable {
	return &UUIDTable{
		proxy:   proxyUUID,
		byShard: make(map[shard.ID]uuid.UUID),
	}
}

// Proxy returns the UUID exposed to the client.
func (t *UUIDTable) Proxy() uuid.UUID {
	return t.proxy
}

// Record stores the UUID a shard issued for the synthetic identity.
func (t *UUIDTable) Record(s shard.ID, issued uuid.UUID) {
	t.byShard[s] = issued
}

// ToClient maps a clientbound UUID: any shard-issued self UUID becomes the
// proxy UUID; everything else passes through.
func (t *UUIDTable) ToClient(u uuid.UUID) uuid.UUID {
	for _, issued := range t.byShard {
		if issued == u {
			return t.proxy
		}
	}
	return u
}

// ToShard maps a serverbound UUID for one shard: the proxy UUID becomes
// that shard's issued UUID when known.
func (t *UUIDTable) ToShard(s shard.ID, u uuid.UUID) uuid.UUID {
	if u == t.proxy {
		if issued, ok := t.byShard[s]; ok {
			return issued
		}
	}
	return u
}

// Drop forgets a shard's issued UUID (connection closed).
func (t *UUIDTable) Drop(s shard.ID) {
	delete(t.byShard, s)
}
