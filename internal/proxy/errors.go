package proxy

import (
	"errors"
	"fmt"

	"github.com/shardmux/proxy/internal/backend"
	"github.com/shardmux/proxy/internal/shard"
)

// ErrProtocolViolation marks client behavior the proxy refuses to relay
// (malformed frames, wrong-state packets).
var ErrProtocolViolation = errors.New("protocol violation")

// RoutingError reports that a packet could not be delivered to the shard
// that should simulate it.
type RoutingError struct {
	Shard  shard.ID
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing to shard %d failed: %s", e.Shard, e.Reason)
}

// BackendDisconnect reports the loss of a shard connection mid-session.
// Authoritative losses are fatal for the session; observer losses are not.
type BackendDisconnect struct {
	Shard shard.ID
	Role  backend.Role
	Err   error
}

func (e *BackendDisconnect) Error() string {
	return fmt.Sprintf("%s shard %d disconnected: %v", e.Role, e.Shard, e.Err)
}

func (e *BackendDisconnect) Unwrap() error {
	return e.Err
}
