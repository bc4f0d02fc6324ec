// Package merge is a small optimistic-concurrency helper for callers that
// commit shared state (scorecard runs, canvas snapshots) outside the task
// table's lease protection: read the latest value, structurally merge, and
// retry the write once against the fresher version on conflict.
package merge

import (
	"context"
	"errors"
	"fmt"
)

// ErrConflict is the sentinel a write function returns when its version
// precondition failed. Write retries exactly once on it.
var ErrConflict = errors.New("write conflict")

// Write reads the current value, applies mutate, and writes the result. If
// the write reports ErrConflict the cycle runs once more against a fresh
// read; a second conflict propagates. Any other error propagates immediately.
func Write[T any](
	ctx context.Context,
	read func(context.Context) (T, error),
	mutate func(T) T,
	write func(context.Context, T) error,
) error {
	for attempt := 0; attempt < 2; attempt++ {
		current, err := read(ctx)
		if err != nil {
			return fmt.Errorf("read latest: %w", err)
		}
		err = write(ctx, mutate(current))
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) || attempt == 1 {
			return err
		}
	}
	return ErrConflict
}

// ByID merges overlay into base by identity: overlay elements replace base
// elements with the same id, elements new to overlay append in their own
// order. Neither input slice is modified.
func ByID[T any](base, overlay []T, id func(T) string) []T {
	replacements := make(map[string]T, len(overlay))
	seen := make(map[string]bool, len(overlay))
	for _, item := range overlay {
		replacements[id(item)] = item
	}

	out := make([]T, 0, len(base)+len(overlay))
	for _, item := range base {
		key := id(item)
		if repl, ok := replacements[key]; ok {
			out = append(out, repl)
			seen[key] = true
			continue
		}
		out = append(out, item)
	}
	for _, item := range overlay {
		if !seen[id(item)] {
			out = append(out, item)
			seen[id(item)] = true
		}
	}
	return out
}

// Maps deep-merges overlay into base for string-keyed maps: overlay scalars
// replace, nested maps merge recursively. Inputs are not modified. This is
// the envelope-within-envelope shape used by generic dispatch params.
func Maps(base, overlay map[string]any) map[string]any {
	if base == nil && overlay == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		existing, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		baseMap, baseOK := existing.(map[string]any)
		overMap, overOK := v.(map[string]any)
		if baseOK && overOK {
			out[k] = Maps(baseMap, overMap)
			continue
		}
		out[k] = v
	}
	return out
}
