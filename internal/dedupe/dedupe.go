// Package dedupe derives deterministic fingerprints and bounded idempotency
// keys from a task's semantic parameters. Two submissions naming the same
// targets in any order collapse to the same key, which makes retried or
// duplicated client enqueues idempotent at the store layer.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	keyPrefix = "stw"
	// maxKeyLen bounds the dedupe key so it fits indexable columns everywhere.
	maxKeyLen = 64
	// fingerprintHexLen is how much of the hash the key embeds.
	fingerprintHexLen = 40
)

// Input is the set of semantic identifiers a fingerprint is built from.
type Input struct {
	Room      string
	RequestID string
	// Targets are the identifiers of the entities the task operates on.
	// Order and duplicates are irrelevant: the list is deduplicated and
	// sorted before hashing.
	Targets []string
	Depth   int
	// Flags are free-form modifiers (e.g. "citations", "draft") that
	// distinguish otherwise identical work.
	Flags []string
}

// Fingerprint returns a stable hex digest over the canonicalized input.
func Fingerprint(in Input) string {
	h := sha256.New()
	for _, part := range canonicalParts(in) {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Key returns a bounded idempotency key derived from the fingerprint, with
// the depth embedded as a short suffix tag for human debuggability.
func Key(in Input) string {
	fp := Fingerprint(in)
	key := fmt.Sprintf("%s-%s-d%d", keyPrefix, fp[:fingerprintHexLen], in.Depth)
	if len(key) > maxKeyLen {
		key = key[:maxKeyLen]
	}
	return key
}

func canonicalParts(in Input) []string {
	return []string{
		strings.TrimSpace(in.Room),
		strings.TrimSpace(in.RequestID),
		strings.Join(normalizeSet(in.Targets), ","),
		strconv.Itoa(in.Depth),
		strings.Join(normalizeSet(in.Flags), ","),
	}
}

// normalizeSet trims, deduplicates and sorts lexicographically.
func normalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
