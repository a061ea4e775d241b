// Package model defines the core document store data types.
package model

import (
	"fmt"
	"strings"

	"github.com/agentmem/memstore/internal/errs"
)

// Separator joins namespace segments and keys into document ids. It is
// reserved: segments and keys containing it are rejected at validation time,
// which keeps the (namespace, key) -> id encoding collision-free.
const Separator = "::"

// Namespace is a hierarchical path scoping a group of items,
// e.g. Namespace{"prefs", "user_123"}.
type Namespace []string

// ParseNamespace splits a slash-separated path ("prefs/user_123") into a
// Namespace. Used by the CLI; library callers construct Namespace directly.
func ParseNamespace(path string) Namespace {
	parts := strings.Split(path, "/")
	ns := make(Namespace, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			ns = append(ns, p)
		}
	}
	return ns
}

// Validate checks that the namespace is non-empty, has no empty segments,
// and no segment contains the reserved separator.
func (n Namespace) Validate() error {
	if len(n) == 0 {
		return fmt.Errorf("%w: namespace must have at least one segment", errs.ErrValidation)
	}
	for i, seg := range n {
		if seg == "" {
			return fmt.Errorf("%w: namespace segment %d is empty", errs.ErrValidation, i)
		}
		if strings.Contains(seg, Separator) {
			return fmt.Errorf("%w: namespace segment %q contains reserved separator %q", errs.ErrValidation, seg, Separator)
		}
	}
	return nil
}

// Key returns the encoded join form used as the sort/compare key and as the
// namespace ledger document id.
func (n Namespace) Key() string {
	return strings.Join(n, Separator)
}

// String renders the namespace as a slash path for display.
func (n Namespace) String() string {
	return strings.Join(n, "/")
}

// HasPrefix reports whether the namespace path starts with prefix.
func (n Namespace) HasPrefix(prefix Namespace) bool {
	if len(prefix) > len(n) {
		return false
	}
	for i, seg := range prefix {
		if n[i] != seg {
			return false
		}
	}
	return true
}

// Equal reports segment-wise equality.
func (n Namespace) Equal(other Namespace) bool {
	if len(n) != len(other) {
		return false
	}
	for i := range n {
		if n[i] != other[i] {
			return false
		}
	}
	return true
}

// ValidateKey checks an item key for well-formedness.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", errs.ErrValidation)
	}
	if strings.Contains(key, Separator) {
		return fmt.Errorf("%w: key %q contains reserved separator %q", errs.ErrValidation, key, Separator)
	}
	return nil
}

// DocID returns the deterministic physical document id for (namespace, key).
func DocID(ns Namespace, key string) string {
	return ns.Key() + Separator + key
}
