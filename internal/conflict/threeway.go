package conflict

import (
	"log/slog"
	"reflect"
	"sort"

	"github.com/alexjbarnes/offsync/internal/store"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ThreeWay merges against the base payload. A field changed on only one
// side takes that side's value, including removal. A string field
// changed on both sides is merged by applying the base->local patch onto
// the remote text. Any other two-sided change keeps the local value.
// Without a base it behaves like FieldLocalWins.
type ThreeWay struct {
	Logger *slog.Logger
}

// Resolve implements Resolver.
func (t ThreeWay) Resolve(id string, local, remote store.Record) store.Record {
	return FieldLocalWins{}.Resolve(id, local, remote)
}

// ResolveWithBase implements BaseResolver.
func (t ThreeWay) ResolveWithBase(id string, base map[string]any, local, remote store.Record) store.Record {
	if base == nil {
		return t.Resolve(id, local, remote)
	}

	out := make(map[string]any)

	for _, k := range unionKeys(base, local.Payload, remote.Payload) {
		bv, bok := base[k]
		lv, lok := local.Payload[k]
		rv, rok := remote.Payload[k]

		localChanged := !sameField(lok, lv, bok, bv)
		remoteChanged := !sameField(rok, rv, bok, bv)

		switch {
		case !localChanged:
			if rok {
				out[k] = rv
			}
		case !remoteChanged:
			if lok {
				out[k] = lv
			}
		case sameField(lok, lv, rok, rv):
			if lok {
				out[k] = lv
			}
		default:
			if merged, ok := t.mergeText(id, k, bv, lv, rv); ok {
				out[k] = merged
			} else if lok {
				out[k] = lv
			}
		}
	}

	return store.Record{ID: id, Payload: out, LastUpdated: later(local, remote)}
}

// mergeText applies patch(base->local) onto remote. It reports false
// when any value is not a string or a patch hunk fails to apply.
func (t ThreeWay) mergeText(id, field string, base, local, remote any) (string, bool) {
	baseText, ok1 := base.(string)
	localText, ok2 := local.(string)
	remoteText, ok3 := remote.(string)

	if !ok1 || !ok2 || !ok3 {
		return "", false
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(baseText, localText, true)
	if len(diffs) > 2 {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}
	patches := dmp.PatchMake(baseText, diffs)
	merged, applied := dmp.PatchApply(patches, remoteText)

	for _, ok := range applied {
		if !ok {
			t.logger().Warn("conflict: text merge had failed patches, keeping local",
				slog.String("record_id", id),
				slog.String("field", field),
			)

			return "", false
		}
	}

	t.logger().Debug("conflict: text merge", slog.String("record_id", id), slog.String("field", field))

	return merged, true
}

func (t ThreeWay) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}

	return t.Logger
}

func sameField(aok bool, a any, bok bool, b any) bool {
	if aok != bok {
		return false
	}

	return !aok || reflect.DeepEqual(a, b)
}

// unionKeys returns every key of the given maps, sorted so iteration is
// deterministic.
func unionKeys(maps ...map[string]any) []string {
	seen := map[string]struct{}{}

	var keys []string

	for _, m := range maps {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}

	sort.Strings(keys)

	return keys
}
