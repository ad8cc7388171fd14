package subs

import "github.com/pkg/errors"

// ClassTable names the sixteen priority classes a deployment may choose
// to use, purely for validation/logging —
// the wire-level QoS byte (sbntypes.QoS) carries the two nibbles regardless
// of whether a name table is configured for them.
//
// Adapted from the teacher's mempool lane-table validation (a priority-lane
// name table for a different domain): the same "is every class named
// exactly once, is the default one of the named classes" shape applies
// here to QoS priority-class names.
type ClassTable struct {
	names          map[uint8]string
	defaultClass   uint8
	hasDefault     bool
}

// ErrEmptyClassesDefaultSet is returned when a default priority class is
// named but the class table itself is empty.
var ErrEmptyClassesDefaultSet = errors.New("subs: default QoS class set with empty class table")

// ErrDefaultClassNotInTable is returned when the configured default
// priority class isn't one of the named classes.
var ErrDefaultClassNotInTable = errors.New("subs: default QoS class is not in the class table")

// ErrDuplicateClassName is returned when two priority values share a name.
var ErrDuplicateClassName = errors.New("subs: duplicate QoS class name")

// NewClassTable validates and builds a ClassTable from a priority-value ->
// name map and an optional default priority value.
func NewClassTable(names map[uint8]string, defaultClass uint8, hasDefault bool) (*ClassTable, error) {
	if len(names) == 0 {
		if hasDefault {
			return nil, ErrEmptyClassesDefaultSet
		}
		return &ClassTable{names: map[uint8]string{}}, nil
	}

	if hasDefault {
		if _, ok := names[defaultClass]; !ok {
			return nil, ErrDefaultClassNotInTable
		}
	}

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			return nil, ErrDuplicateClassName
		}
		seen[name] = struct{}{}
	}

	cp := make(map[uint8]string, len(names))
	for k, v := range names {
		cp[k] = v
	}
	return &ClassTable{names: cp, defaultClass: defaultClass, hasDefault: hasDefault}, nil
}

// Name returns the configured name for a priority class value, or "" if
// unnamed.
func (c *ClassTable) Name(priority uint8) string {
	return c.names[priority]
}

// Default returns the default priority class and whether one is configured.
func (c *ClassTable) Default() (uint8, bool) {
	return c.defaultClass, c.hasDefault
}
