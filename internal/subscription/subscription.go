// Package subscription tracks the push topics a client should be joined to.
package subscription

import "sort"

// Set holds the current topic ids. Reconcile is a pure diff; joining and
// leaving topics on the transport is the caller's job.
type Set struct {
	current map[string]struct{}
}

// New creates an empty Set.
func New() *Set {
	return &Set{current: make(map[string]struct{})}
}

// Reconcile replaces the current set with desired and returns what to join
// (desired - current) and what to leave (current - desired), both sorted.
// Duplicate and empty ids in desired are ignored.
func (s *Set) Reconcile(desired []string) (toJoin, toLeave []string) {
	next := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		if id == "" {
			continue
		}
		next[id] = struct{}{}
	}

	for id := range next {
		if _, ok := s.current[id]; !ok {
			toJoin = append(toJoin, id)
		}
	}
	for id := range s.current {
		if _, ok := next[id]; !ok {
			toLeave = append(toLeave, id)
		}
	}

	sort.Strings(toJoin)
	sort.Strings(toLeave)
	s.current = next
	return toJoin, toLeave
}

// Contains reports whether id is in the current set.
func (s *Set) Contains(id string) bool {
	_, ok := s.current[id]
	return ok
}

// Current returns the current ids, sorted.
func (s *Set) Current() []string {
	out := make([]string, 0, len(s.current))
	for id := range s.current {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of current ids.
func (s *Set) Len() int {
	return len(s.current)
}
