// Package reservation implements the resource reservation table: which task
// holds which resource key, in which mode, and which tasks are parked waiting
// for it. All mutation of the holder mapping is linearized through a single
// Manager; no other component may read-then-write reservation state.
package reservation

import (
	"fmt"
	"strconv"
	"strings"
)

// Key is a normalized identifier for a lockable entity, e.g.
// "repository:zoo" or "repo-version:zoo:4". Pure value type.
type Key string

// NewKey builds a normalized key from a kind and its identifying parts.
// Kind and parts must be non-empty and must not contain the separator.
func NewKey(kind string, parts ...string) (Key, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return "", fmt.Errorf("resource key: empty kind")
	}
	if strings.Contains(kind, ":") {
		return "", fmt.Errorf("resource key: kind %q contains separator", kind)
	}
	elems := make([]string, 0, len(parts)+1)
	elems = append(elems, kind)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return "", fmt.Errorf("resource key: empty part in %q key", kind)
		}
		if strings.Contains(p, ":") {
			return "", fmt.Errorf("resource key: part %q contains separator", p)
		}
		elems = append(elems, p)
	}
	return Key(strings.Join(elems, ":")), nil
}

// Validate checks a key that did not come through NewKey, e.g. one read from
// storage or minted by a caller as a raw string. Every `:`-separated segment
// must be non-empty.
func (k Key) Validate() error {
	if k == "" {
		return fmt.Errorf("resource key: empty key")
	}
	for _, seg := range strings.Split(string(k), ":") {
		if strings.TrimSpace(seg) == "" {
			return fmt.Errorf("resource key %q: empty segment", k)
		}
	}
	return nil
}

// Kind returns the key's kind segment ("" for a malformed key).
func (k Key) Kind() string {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i > 0 {
		return s[:i]
	}
	return s
}

func (k Key) String() string { return string(k) }

// Domain helpers for the common lockable entities. Callers may mint any key;
// these only fix the spelling.

func RepositoryKey(name string) Key {
	return Key("repository:" + name)
}

func RepositoryVersionKey(name string, version int) Key {
	return Key("repo-version:" + name + ":" + strconv.Itoa(version))
}

func ExporterKey(name string) Key {
	return Key("exporter:" + name)
}

// Strings converts a key slice for storage/logging.
func Strings(keys []Key) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

// FromStrings converts stored key strings back to keys.
func FromStrings(raw []string) []Key {
	if len(raw) == 0 {
		return nil
	}
	out := make([]Key, len(raw))
	for i, s := range raw {
		out[i] = Key(s)
	}
	return out
}
