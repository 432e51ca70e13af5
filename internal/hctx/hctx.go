// Package hctx carries per-record processing state through a processor's context.
package hctx

import "context"

// State is the mutable view of one processor run. Report, when set, is
// called on every progress update.
type State struct {
	ID       string
	Progress int
	Report   func(id string, progress int)
}

// New creates the state for record id.
func New(id string, report func(string, int)) *State { return &State{ID: id, Report: report} }

type stateKey struct{}

// WithState returns a child of parent carrying s.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, stateKey{}, s)
}

// From returns the state attached to ctx, if any.
func From(ctx context.Context) (*State, bool) {
	st, ok := ctx.Value(stateKey{}).(*State)
	return st, ok && st != nil
}
