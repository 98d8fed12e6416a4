// Package conflict merges a local record with an incoming remote version
// of the same record.
package conflict

import (
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/alexjbarnes/offsync/internal/store"
)

// Policy names accepted by ForPolicy.
const (
	PolicyLocalFields = "local-fields"
	PolicyRemote      = "remote"
	PolicyThreeWay    = "three-way"
)

// Resolver produces the record to keep when local and remote disagree.
// Implementations must be deterministic: the same inputs always yield
// the same output.
type Resolver interface {
	Resolve(id string, local, remote store.Record) store.Record
}

// BaseResolver is implemented by resolvers that can use the last payload
// both replicas agreed on. Callers pass the base when they have one and
// fall back to Resolve otherwise.
type BaseResolver interface {
	Resolver
	ResolveWithBase(id string, base map[string]any, local, remote store.Record) store.Record
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(id string, local, remote store.Record) store.Record

// Resolve calls f.
func (f ResolverFunc) Resolve(id string, local, remote store.Record) store.Record {
	return f(id, local, remote)
}

// FieldLocalWins is the default policy. It starts from the remote fields
// and overwrites every field whose local value differs with the local
// value. Local wins per field, not wholesale: fields only the remote
// has are kept.
type FieldLocalWins struct{}

// Resolve implements Resolver.
func (FieldLocalWins) Resolve(id string, local, remote store.Record) store.Record {
	out := make(map[string]any, len(remote.Payload)+len(local.Payload))
	for k, v := range remote.Payload {
		out[k] = v
	}

	for k, lv := range local.Payload {
		if rv, ok := remote.Payload[k]; !ok || !reflect.DeepEqual(lv, rv) {
			out[k] = lv
		}
	}

	return store.Record{ID: id, Payload: out, LastUpdated: later(local, remote)}
}

// RemoteWins discards local changes and keeps the remote payload.
type RemoteWins struct{}

// Resolve implements Resolver.
func (RemoteWins) Resolve(id string, local, remote store.Record) store.Record {
	return store.Record{ID: id, Payload: clonePayload(remote.Payload), LastUpdated: later(local, remote)}
}

// Default returns r, or FieldLocalWins when r is nil.
func Default(r Resolver) Resolver {
	if r == nil {
		return FieldLocalWins{}
	}

	return r
}

// ForPolicy maps a configured policy name to a resolver. An empty name
// selects the default. logger is only used by the three-way policy.
func ForPolicy(name string, logger *slog.Logger) (Resolver, error) {
	switch name {
	case "", PolicyLocalFields:
		return FieldLocalWins{}, nil
	case PolicyRemote:
		return RemoteWins{}, nil
	case PolicyThreeWay:
		return ThreeWay{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", name)
	}
}

func later(a, b store.Record) time.Time {
	if a.LastUpdated.After(b.LastUpdated) {
		return a.LastUpdated
	}

	return b.LastUpdated
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}

	return out
}
