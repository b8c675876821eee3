package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	namespaceConnections  = "connections"
	namespaceTransactions = "transactions"
	namespaceBootStatus   = "boot"
	namespaceBlacklist    = "blacklist"
)

// ConnectionDescriptor is stored per identifier while the station is believed alive.
type ConnectionDescriptor struct {
	ListenerID      string `json:"listenerId"`
	ProtocolVersion string `json:"protocolVersion"`
}

// PendingCall is the single outstanding Call of a station, in either direction.
type PendingCall struct {
	Action    string
	MessageID string
}

func (p PendingCall) String() string {
	return p.Action + ":" + p.MessageID
}

// ParsePendingCall reads the "action:messageId" form written by BeginCall.
func ParsePendingCall(raw string) (PendingCall, error) {
	action, messageID, ok := strings.Cut(raw, ":")
	if !ok || action == "" {
		return PendingCall{}, fmt.Errorf("malformed pending call %q", raw)
	}
	return PendingCall{Action: action, MessageID: messageID}, nil
}

// Registry gives the raw Cache the shape the gateway needs. It holds no
// state of its own; everything lives in the cache.
type Registry struct {
	cache Cache
}

// New creates a Registry backed by cache.
func New(cache Cache) *Registry {
	return &Registry{cache: cache}
}

// Cache exposes the underlying store.
func (r *Registry) Cache() Cache {
	return r.cache
}

// SetConnection records that identifier is connected through listenerID.
func (r *Registry) SetConnection(ctx context.Context, identifier string, desc ConnectionDescriptor, ttl time.Duration) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshal connection descriptor: %w", err)
	}
	return r.cache.Set(ctx, namespaceConnections, identifier, string(data), ttl)
}

// Connection returns the descriptor of a live station, or nil when none is registered.
func (r *Registry) Connection(ctx context.Context, identifier string) (*ConnectionDescriptor, error) {
	raw, ok, err := r.cache.Get(ctx, namespaceConnections, identifier)
	if err != nil || !ok {
		return nil, err
	}
	desc := &ConnectionDescriptor{}
	if err := json.Unmarshal([]byte(raw), desc); err != nil {
		return nil, fmt.Errorf("unmarshal connection descriptor: %w", err)
	}
	return desc, nil
}

// IsAlive reports whether identifier has a live connection entry.
func (r *Registry) IsAlive(ctx context.Context, identifier string) (bool, error) {
	return r.cache.Exists(ctx, namespaceConnections, identifier)
}

// RefreshConnection extends the liveness ttl. It reports false when the entry already expired.
func (r *Registry) RefreshConnection(ctx context.Context, identifier string, ttl time.Duration) (bool, error) {
	return r.cache.Expire(ctx, namespaceConnections, identifier, ttl)
}

func (r *Registry) DeleteConnection(ctx context.Context, identifier string) error {
	return r.cache.Delete(ctx, namespaceConnections, identifier)
}

// BeginCall installs the pending call guard. It returns false, leaving the
// existing guard untouched, when another call is already outstanding.
func (r *Registry) BeginCall(ctx context.Context, identifier string, call PendingCall, ttl time.Duration) (bool, error) {
	return r.cache.SetIfAbsent(ctx, namespaceTransactions, identifier, call.String(), ttl)
}

// PendingCall returns the outstanding call without clearing it.
func (r *Registry) PendingCall(ctx context.Context, identifier string) (*PendingCall, error) {
	raw, ok, err := r.cache.Get(ctx, namespaceTransactions, identifier)
	if err != nil || !ok {
		return nil, err
	}
	call, err := ParsePendingCall(raw)
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// TakePendingCall clears the guard unconditionally and returns what it held.
func (r *Registry) TakePendingCall(ctx context.Context, identifier string) (*PendingCall, error) {
	raw, ok, err := r.cache.GetAndDelete(ctx, namespaceTransactions, identifier)
	if err != nil || !ok {
		return nil, err
	}
	call, err := ParsePendingCall(raw)
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// CompletePendingCall clears the guard only if it still matches call.
func (r *Registry) CompletePendingCall(ctx context.Context, identifier string, call PendingCall) (bool, error) {
	return r.cache.CompareAndDelete(ctx, namespaceTransactions, identifier, call.String())
}

// BootStatus returns the last registration status seen for identifier, or "".
func (r *Registry) BootStatus(ctx context.Context, identifier string) (string, error) {
	status, _, err := r.cache.Get(ctx, namespaceBootStatus, identifier)
	return status, err
}

func (r *Registry) SetBootStatus(ctx context.Context, identifier, status string) error {
	return r.cache.Set(ctx, namespaceBootStatus, identifier, status, 0)
}

func blacklistKey(action, identifier string) string {
	return action + ":" + identifier
}

// IsBlacklisted reports whether action is refused for identifier.
func (r *Registry) IsBlacklisted(ctx context.Context, action, identifier string) (bool, error) {
	return r.cache.Exists(ctx, namespaceBlacklist, blacklistKey(action, identifier))
}

// Blacklist refuses action from identifier until ttl passes (zero means forever).
func (r *Registry) Blacklist(ctx context.Context, action, identifier string, ttl time.Duration) error {
	return r.cache.Set(ctx, namespaceBlacklist, blacklistKey(action, identifier), "1", ttl)
}

func (r *Registry) Unblacklist(ctx context.Context, action, identifier string) error {
	return r.cache.Delete(ctx, namespaceBlacklist, blacklistKey(action, identifier))
}
