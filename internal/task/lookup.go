// Package task implements the Task component of spec.md §4.2: the carrier
// of a callable invocation's identity, arguments, and movable-resource list,
// plus the transfer-descriptor encoding used to ship a task to a worker and
// reconstruct it there.
package task

import (
	"strings"

	"github.com/pkg/errors"
)

// CallableFunc is the canonical shape a resolved callable takes once found
// in a lookup table. Args have already had late bindings resolved and
// codec-unpacked by the caller.
type CallableFunc func(args ...any) (any, error)

// LazyAccessor is a zero-argument callable whose return value is the real
// lookup base to continue navigating from -- the "lazy namespace accessor"
// second-chance resolution step described in spec.md §4.2 and §9.
type LazyAccessor func() any

// LookupBase is one root a dotted-path lookup may start from. In practice
// this is almost always a map[string]any acting as a namespace. A bare
// LazyAccessor is also accepted: it is invoked and the walk continues from
// its result. A bare CallableFunc is not navigable and never resolves as a
// base.
type LookupBase any

// LookupError is returned when a callable name cannot be resolved against
// any of the given lookup bases.
type LookupError struct {
	Name string
	Bases int
}

func (e *LookupError) Error() string {
	return errors.Errorf("task: lookup: cannot resolve %q against any of %d lookup base(s)", e.Name, e.Bases).Error()
}

// Resolve walks the dot-separated path in name against each base in lookup,
// in order, and returns the first CallableFunc found. If an intermediate
// segment resolves to a LazyAccessor, it is invoked with no arguments and
// the walk continues from its result, accommodating lazy namespace
// accessors whose name happens to start with a lowercase letter.
func Resolve(name string, lookup []LookupBase) (CallableFunc, error) {
	segments := strings.Split(name, ".")
	for _, base := range lookup {
		if fn, ok := resolveInBase(segments, base); ok {
			return fn, nil
		}
	}
	return nil, &LookupError{Name: name, Bases: len(lookup)}
}

func resolveInBase(segments []string, base any) (CallableFunc, bool) {
	current := base
	for i, seg := range segments {
		last := i == len(segments)-1

		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case LazyAccessor:
			current = v()
			// retry the same segment against the newly-resolved base
			if resolved, ok := resolveInBase(segments[i:], current); ok {
				return resolved, true
			}
			return nil, false
		default:
			return nil, false
		}

		if last {
			break
		}

		// Accommodate a lazy namespace accessor in the middle of the path:
		// if what we just navigated to is itself a zero-arg callable whose
		// name looks like a lazy accessor (conventionally lowercase-first),
		// invoke it and keep navigating from its result.
		if accessor, ok := current.(LazyAccessor); ok && startsLowercase(seg) {
			current = accessor()
		}
	}

	switch v := current.(type) {
	case CallableFunc:
		return v, true
	case LazyAccessor:
		if startsLowercase(segments[len(segments)-1]) {
			resolved := v()
			if fn, ok := resolved.(CallableFunc); ok {
				return fn, true
			}
		}
		return nil, false
	default:
		return nil, false
	}
}

func startsLowercase(s string) bool {
	if s == "" {
		return false
	}
	r := s[0]
	return r >= 'a' && r <= 'z'
}
