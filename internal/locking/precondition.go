package locking

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/trialvault/trialvault/internal/content"
	"github.com/trialvault/trialvault/internal/errors"
)

// Verdict is the outcome of a precondition check.
type Verdict int

const (
	Approved Verdict = iota
	SoftObjection
	HardFailure
)

func (v Verdict) String() string {
	switch v {
	case Approved:
		return "approved"
	case SoftObjection:
		return "soft_objection"
	case HardFailure:
		return "hard_failure"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Result is what a Precondition returns. Err is set when the check itself
// could not be completed.
type Result struct {
	Verdict Verdict
	Reason  string
	Err     error
}

// Approve permits the lock.
func Approve() Result {
	return Result{Verdict: Approved}
}

// Object raises a soft objection that ForceLock may override.
func Object(reason string) Result {
	return Result{Verdict: SoftObjection, Reason: reason}
}

// Fail raises a hard objection that aborts every lock attempt.
func Fail(reason string) Result {
	return Result{Verdict: HardFailure, Reason: reason}
}

// Errored reports that the check could not be evaluated.
func Errored(err error) Result {
	return Result{Verdict: HardFailure, Reason: MsgRepository, Err: err}
}

// Precondition decides whether a Subject may be locked. Implementations
// must not modify the content tree.
type Precondition interface {
	Name() string
	CanLock(ctx context.Context, s *content.Session, subject *content.Node) Result
}

// Factory builds a named precondition.
type Factory func() Precondition

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a precondition available by name to configuration.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Lookup builds the preconditions named in names, in that order.
func Lookup(names []string) ([]Precondition, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	preconditions := make([]Precondition, 0, len(names))
	for _, name := range names {
		factory, ok := registry[name]
		if !ok {
			return nil, errors.Newf("unknown lock precondition %q (available: %v)", name, registeredNames()).
				Component("locking").
				Category(errors.CategoryConfiguration).
				Build()
		}
		preconditions = append(preconditions, factory())
	}
	return preconditions, nil
}

// Registered lists the registered precondition names.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registeredNames()
}

func registeredNames() []string {
	return slices.Sorted(maps.Keys(registry))
}

// evaluate runs the preconditions in order and stops at the first one that
// blocks. Soft objections block unless force is set.
func evaluate(ctx context.Context, preconditions []Precondition, s *content.Session, subject *content.Node, force bool) (Result, string) {
	for _, p := range preconditions {
		r := p.CanLock(ctx, s, subject)
		switch r.Verdict {
		case Approved:
			continue
		case SoftObjection:
			if force {
				continue
			}
		}
		return r, p.Name()
	}
	return Approve(), ""
}
