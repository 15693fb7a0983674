package locking

import (
	"context"
	"path"
	"slices"
	"time"

	"github.com/trialvault/trialvault/internal/content"
	"github.com/trialvault/trialvault/internal/errors"
)

// FlagLocked is the status flag carried by locked Subjects and Forms.
const FlagLocked = "LOCKED"

// Lock Marker layout.
const (
	MarkerName = "lock"
)

// branch tells the walk whether to descend below a node.
type branch int

const (
	continueBranch branch = iota
	haltBranch
)

// checkoutEntry is a node mutated by the current transition.
type checkoutEntry struct {
	node *content.Node
	// owned is set when this transition performed the checkout, so
	// compensation may cancel it.
	owned bool
}

// checkoutSet accumulates the nodes one transition checked out. It is
// scoped to a single call and never shared.
type checkoutSet struct {
	entries []checkoutEntry
	index   map[string]struct{}
}

func newCheckoutSet() *checkoutSet {
	return &checkoutSet{index: make(map[string]struct{})}
}

func (c *checkoutSet) contains(n *content.Node) bool {
	_, ok := c.index[n.ID]
	return ok
}

func (c *checkoutSet) add(n *content.Node, owned bool) {
	c.index[n.ID] = struct{}{}
	c.entries = append(c.entries, checkoutEntry{node: n, owned: owned})
}

func (c *checkoutSet) paths() []string {
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.node.Path)
	}
	return out
}

// transition performs one Lock or Unlock Transition through a session.
type transition struct {
	sess    *content.Session
	action  Action
	actor   string
	now     time.Time
	touched *checkoutSet
	halted  []string
}

func newTransition(sess *content.Session, action Action, actor string, now time.Time) *transition {
	return &transition{
		sess:    sess,
		action:  action,
		actor:   actor,
		now:     now,
		touched: newCheckoutSet(),
	}
}

// run applies the transition from root and commits it. Nothing is persisted
// when it fails; the caller compensates the checkouts.
func (t *transition) run(ctx context.Context, root *content.Node) error {
	if err := t.visitSubject(ctx, root, true); err != nil {
		return err
	}
	return t.sess.Save(ctx)
}

// visitSubject applies the transition to a Subject, the Forms referencing
// it and its descendant Subjects, unless enter halts the branch.
func (t *transition) visitSubject(ctx context.Context, subject *content.Node, isRoot bool) error {
	b, err := t.enter(ctx, subject, isRoot)
	if err != nil {
		return err
	}
	if b == haltBranch {
		t.halted = append(t.halted, subject.Path)
		return nil
	}

	if err := t.setFlag(ctx, subject); err != nil {
		return err
	}

	forms, err := t.sess.References(ctx, subject, content.PropSubject)
	if err != nil {
		return err
	}
	for _, form := range forms {
		if form.Type != content.TypeForm {
			continue
		}
		if err := t.setFlag(ctx, form); err != nil {
			return err
		}
	}

	children, err := t.sess.Children(ctx, subject)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Type != content.TypeSubject {
			continue
		}
		// A halted child only stops its own branch; siblings continue.
		if err := t.visitSubject(ctx, child, false); err != nil {
			return err
		}
	}
	return nil
}

// enter handles the Lock Marker of subject. A non-root Subject that is
// locked directly (flagged and marked) halts its branch untouched. A marker
// on an unlocked Subject is stale and a lock removes it; the root gets a
// fresh marker on lock.
func (t *transition) enter(ctx context.Context, subject *content.Node, isRoot bool) (branch, error) {
	marker, err := t.marker(ctx, subject)
	if err != nil {
		return haltBranch, err
	}
	if !isRoot && marker != nil && isLocked(subject) {
		return haltBranch, nil
	}

	stale := marker != nil && t.action == ActionLock
	if !isRoot && !stale {
		return continueBranch, nil
	}

	if err := t.checkout(ctx, subject); err != nil {
		return haltBranch, err
	}
	if marker != nil {
		if err := t.sess.RemoveNode(ctx, marker); err != nil {
			return haltBranch, err
		}
	}
	if isRoot && t.action == ActionLock {
		if err := t.addMarker(ctx, subject); err != nil {
			return haltBranch, err
		}
	}
	return continueBranch, nil
}

// marker returns the Lock Marker child of subject, or nil.
func (t *transition) marker(ctx context.Context, subject *content.Node) (*content.Node, error) {
	return lockMarker(ctx, t.sess, subject)
}

func lockMarker(ctx context.Context, s *content.Session, subject *content.Node) (*content.Node, error) {
	n, err := s.GetNode(ctx, path.Join(subject.Path, MarkerName))
	if errors.Is(err, content.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if n.Type != content.TypeLock {
		return nil, nil
	}
	return n, nil
}

func (t *transition) addMarker(ctx context.Context, subject *content.Node) error {
	marker, err := t.sess.AddNode(ctx, subject, MarkerName, content.TypeLock)
	if err != nil {
		return err
	}
	if err := t.sess.SetProperty(ctx, marker, content.PropAuthor, t.actor); err != nil {
		return err
	}
	return t.sess.SetProperty(ctx, marker, content.PropCreated, t.now.UTC().Format(time.RFC3339))
}

// setFlag adds or removes LOCKED on n, checking it out first. Other flags
// keep their order so an unlock restores the exact prior value.
func (t *transition) setFlag(ctx context.Context, n *content.Node) error {
	// Re-read so changes made earlier in this walk are seen.
	current, err := t.sess.GetNode(ctx, n.Path)
	if err != nil {
		return err
	}
	flags := current.Values(content.PropStatusFlags)
	locked := slices.Contains(flags, FlagLocked)
	want := t.action == ActionLock
	if locked == want {
		return nil
	}

	if err := t.checkout(ctx, current); err != nil {
		return err
	}
	if want {
		flags = append(flags, FlagLocked)
	} else {
		flags = slices.DeleteFunc(flags, func(f string) bool { return f == FlagLocked })
	}
	return t.sess.SetProperty(ctx, current, content.PropStatusFlags, flags...)
}

func (t *transition) checkout(ctx context.Context, n *content.Node) error {
	if t.touched.contains(n) {
		return nil
	}
	if n.CheckedOut {
		t.touched.add(n, false)
		return nil
	}
	if err := t.sess.Checkout(ctx, n); err != nil {
		return err
	}
	t.touched.add(n, true)
	return nil
}

// checkin versions every touched node after a successful commit. It keeps
// going past failures and returns them joined.
func (t *transition) checkin(ctx context.Context) error {
	var errs []error
	for _, e := range t.touched.entries {
		if _, err := t.sess.Checkin(ctx, e.node); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// compensate discards uncommitted changes and cancels the checkouts this
// transition performed. Nodes that were checked out before it started stay
// checked out.
func (t *transition) compensate(ctx context.Context) error {
	t.sess.Refresh()
	var errs []error
	for _, e := range t.touched.entries {
		if !e.owned {
			continue
		}
		if err := t.sess.CancelCheckout(ctx, e.node); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
