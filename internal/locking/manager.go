// Package locking places Subjects, their descendant Subjects and the Forms
// referencing them into an immutable state, and takes them out again.
//
// A lock is applied to a root Subject, which receives a Lock Marker child
// recording who locked it and when. The LOCKED status flag then cascades to
// every descendant Subject and every Form referencing one of them. A
// descendant that carries its own Lock Marker was locked independently: the
// cascade stops there, in both directions, so nested locks survive an outer
// unlock.
//
// Every mutated node is checked out before it changes and checked back in
// after a single commit. When a transition fails the pending changes are
// discarded and the checkouts it performed are cancelled.
//
// Writes to locked records by anyone other than the Manager are refused by
// LockedNodeRestriction, registered on the content repository.
package locking

import (
	"context"
	"time"

	"github.com/trialvault/trialvault/internal/content"
	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/logger"
	"github.com/trialvault/trialvault/internal/observability/metrics"
)

// DefaultServicePrincipal is the identity of the Manager's own sessions.
const DefaultServicePrincipal = "lock-service"

// Operation labels used for metrics and logs.
const (
	opLock      = "lock"
	opForceLock = "force_lock"
	opUnlock    = "unlock"
	opCanLock   = "can_lock"
	opCanUnlock = "can_unlock"
	opIsLocked  = "is_locked"
)

// Manager evaluates and performs lock transitions.
type Manager struct {
	repo             *content.Repository
	preconditions    []Precondition
	publisher        Publisher
	metrics          *metrics.LockingMetrics
	log              logger.Logger
	audit            logger.Logger
	servicePrincipal string
	now              func() time.Time
	trees            *treeLocks
}

// Option configures a Manager.
type Option func(*Manager)

// WithPreconditions sets the ordered preconditions consulted before a lock.
func WithPreconditions(preconditions ...Precondition) Option {
	return func(m *Manager) {
		m.preconditions = append([]Precondition(nil), preconditions...)
	}
}

// WithPublisher sets the publisher notified after each committed transition.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(lm *metrics.LockingMetrics) Option {
	return func(m *Manager) {
		m.metrics = lm
	}
}

// WithLogger sets the operational logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithAuditLogger sets the logger receiving one record per committed transition.
func WithAuditLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.audit = l
		}
	}
}

// WithServicePrincipal sets the identity of sessions the Manager opens.
func WithServicePrincipal(principal string) Option {
	return func(m *Manager) {
		if principal != "" {
			m.servicePrincipal = principal
		}
	}
}

// WithClock overrides the time source used for Lock Marker timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager over repo.
func NewManager(repo *content.Repository, opts ...Option) *Manager {
	m := &Manager{
		repo:             repo,
		publisher:        noopPublisher{},
		servicePrincipal: DefaultServicePrincipal,
		now:              time.Now,
		trees:            newTreeLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Global().Module("locking")
	}
	if m.audit == nil {
		m.audit = logger.Global().Module("audit")
	}
	return m
}

// session returns the session to work in and its release function. A
// service session attached to ctx is reused and left open; otherwise a new
// service session is opened and released by the caller.
func (m *Manager) session(ctx context.Context) (*content.Session, func()) {
	if s, ok := content.SessionFromContext(ctx); ok && s.IsService() {
		return s, func() {}
	}
	s := m.repo.ServiceLogin(m.servicePrincipal)
	return s, s.Logout
}

// actor is the identity recorded in Lock Markers and audit records.
func (m *Manager) actor(ctx context.Context) string {
	if p, ok := content.PrincipalFromContext(ctx); ok {
		return p
	}
	if s, ok := content.SessionFromContext(ctx); ok {
		return s.Principal()
	}
	return m.servicePrincipal
}

func (m *Manager) resolve(ctx context.Context, s *content.Session, p string) (*content.Node, error) {
	n, err := s.GetNode(ctx, p)
	if errors.Is(err, content.ErrNotFound) || errors.Is(err, content.ErrInvalidPath) {
		return nil, &LockError{Reason: ReasonNotFound, Path: p, Message: MsgNotFound, Err: err}
	}
	if err != nil {
		return nil, repositoryFailure(p, "", "resolve", err)
	}
	return n, nil
}

// IsLocked reports whether the node at p carries the LOCKED flag.
func (m *Manager) IsLocked(ctx context.Context, p string) (bool, error) {
	s, release := m.session(ctx)
	defer release()

	n, err := m.resolve(ctx, s, p)
	if err != nil {
		m.record(opIsLocked, time.Now(), err)
		return false, err
	}
	return isLocked(n), nil
}

// CanLock reports whether TryLock on p would currently be permitted. It
// changes nothing. The error is non-nil only when the node cannot be read.
func (m *Manager) CanLock(ctx context.Context, p string) (bool, error) {
	start := time.Now()
	s, release := m.session(ctx)
	defer release()

	n, err := m.resolve(ctx, s, p)
	if err != nil {
		m.record(opCanLock, start, err)
		return false, err
	}
	denied := m.lockRefusal(ctx, s, n, false)
	if denied != nil && !denied.IsConflict() {
		m.record(opCanLock, start, denied)
		return false, denied
	}
	m.record(opCanLock, start, nil)
	return denied == nil, nil
}

// CanUnlock reports whether Unlock on p would currently be permitted.
func (m *Manager) CanUnlock(ctx context.Context, p string) (bool, error) {
	start := time.Now()
	s, release := m.session(ctx)
	defer release()

	n, err := m.resolve(ctx, s, p)
	if err != nil {
		m.record(opCanUnlock, start, err)
		return false, err
	}
	denied := m.unlockRefusal(ctx, s, n)
	if denied != nil && !denied.IsConflict() {
		m.record(opCanUnlock, start, denied)
		return false, denied
	}
	m.record(opCanUnlock, start, nil)
	return denied == nil, nil
}

// TryLock locks the Subject at p. Any precondition objection, soft or hard,
// refuses the lock.
func (m *Manager) TryLock(ctx context.Context, p string) error {
	return m.lock(ctx, p, false)
}

// ForceLock locks the Subject at p, overriding soft precondition objections.
// Hard objections still refuse the lock.
func (m *Manager) ForceLock(ctx context.Context, p string) error {
	return m.lock(ctx, p, true)
}

// Unlock unlocks the Subject at p.
func (m *Manager) Unlock(ctx context.Context, p string) error {
	start := time.Now()
	err := m.apply(ctx, p, ActionUnlock, false, func(s *content.Session, n *content.Node) *LockError {
		return m.unlockRefusal(ctx, s, n)
	})
	m.record(opUnlock, start, err)
	return err
}

func (m *Manager) lock(ctx context.Context, p string, force bool) error {
	start := time.Now()
	err := m.apply(ctx, p, ActionLock, force, func(s *content.Session, n *content.Node) *LockError {
		return m.lockRefusal(ctx, s, n, force)
	})
	op := opLock
	if force {
		op = opForceLock
	}
	m.record(op, start, err)
	return err
}

// apply checks the refusal rules and runs the transition, serialised per
// Subject tree. When the commit succeeds but checking nodes in fails, the
// event is still published and a repository LockError is returned.
func (m *Manager) apply(ctx context.Context, p string, action Action, force bool, refuse func(*content.Session, *content.Node) *LockError) error {
	s, release := m.session(ctx)
	defer release()

	n, err := m.resolve(ctx, s, p)
	if err != nil {
		return err
	}

	key, err := m.treeKey(ctx, s, n)
	if err != nil {
		return repositoryFailure(n.Path, action, "resolve_tree", err)
	}
	waitStart := time.Now()
	unlockTree := m.trees.acquire(key)
	defer unlockTree()
	if m.metrics != nil {
		m.metrics.ObserveTreeWait(time.Since(waitStart).Seconds())
	}

	// State may have changed while waiting for the tree.
	if n, err = m.resolve(ctx, s, n.Path); err != nil {
		return err
	}
	if denied := refuse(s, n); denied != nil {
		m.log.Debug("lock operation refused",
			logger.Action(string(action)),
			logger.Path(n.Path),
			logger.String("reason", string(denied.Reason)))
		return denied
	}

	actor := m.actor(ctx)
	ctx = logger.WithOperation(ctx, string(action), n.Path)
	t := newTransition(s, action, actor, m.now())
	if err := t.run(ctx, n); err != nil {
		return m.fail(ctx, t, n, err)
	}
	checkinErr := t.checkin(ctx)

	// The commit stands even when versioning some nodes failed, so the
	// change is audited and published either way.
	m.committed(ctx, &Event{
		Action:    action,
		Path:      n.Path,
		Actor:     actor,
		Forced:    force,
		Nodes:     t.touched.paths(),
		Halted:    t.halted,
		Timestamp: t.now.UTC(),
	})
	if checkinErr != nil {
		m.log.WithContext(ctx).Error("checkin after lock transition failed",
			logger.Action(string(action)),
			logger.Path(n.Path),
			logger.Error(checkinErr))
		return repositoryFailure(n.Path, action, "checkin", checkinErr)
	}
	return nil
}

// fail compensates a failed transition and wraps the cause.
func (m *Manager) fail(ctx context.Context, t *transition, root *content.Node, cause error) error {
	m.log.WithContext(ctx).Error("lock transition failed",
		logger.Action(string(t.action)),
		logger.Path(root.Path),
		logger.Int("checked_out", len(t.touched.entries)),
		logger.Error(cause))

	status := metrics.StatusSuccess
	if cerr := t.compensate(ctx); cerr != nil {
		status = metrics.StatusError
		m.log.Error("failed to cancel checkouts after failed transition",
			logger.Path(root.Path),
			logger.Error(cerr))
		cause = errors.Join(cause, cerr)
	}
	if m.metrics != nil {
		m.metrics.RecordCompensation(status)
	}

	// Access denials and checked-in writes are surfaced as storage failures
	// too; callers never see partial state.
	return repositoryFailure(root.Path, t.action, "cascade", cause)
}

func (m *Manager) committed(ctx context.Context, event *Event) {
	m.audit.Info("lock state changed",
		logger.Action(string(event.Action)),
		logger.Path(event.Path),
		logger.Actor(event.Actor),
		logger.Bool("forced", event.Forced),
		logger.Strings("nodes", event.Nodes),
		logger.Strings("halted", event.Halted),
		logger.Time("timestamp", event.Timestamp))

	if m.metrics != nil {
		m.metrics.ObserveCascade(string(event.Action), len(event.Nodes), len(event.Halted))
	}

	if err := m.publisher.Publish(ctx, event); err != nil {
		m.log.Warn("failed to publish lock event",
			logger.Action(string(event.Action)),
			logger.Path(event.Path),
			logger.Error(err))
	}
}

// lockRefusal returns why n may not be locked, or nil.
func (m *Manager) lockRefusal(ctx context.Context, s *content.Session, n *content.Node, force bool) *LockError {
	if isLocked(n) {
		return refusal(ReasonAlreadyLocked, n.Path, MsgAlreadyLocked)
	}
	if n.Type != content.TypeSubject {
		return refusal(ReasonNotSubject, n.Path, MsgNotSubjectLock)
	}

	result, name := evaluate(ctx, m.preconditions, s, n, force)
	switch {
	case result.Err != nil:
		return repositoryFailure(n.Path, ActionLock, "precondition", result.Err)
	case result.Verdict == SoftObjection:
		return &LockError{
			Reason:  ReasonPrecondition,
			Path:    n.Path,
			Message: result.Reason,
			Err:     &LockWarning{Precondition: name, Message: result.Reason},
		}
	case result.Verdict == HardFailure:
		return refusal(ReasonPrecondition, n.Path, result.Reason)
	}
	return nil
}

// unlockRefusal returns why n may not be unlocked, or nil.
func (m *Manager) unlockRefusal(ctx context.Context, s *content.Session, n *content.Node) *LockError {
	if !isLocked(n) {
		return refusal(ReasonNotLocked, n.Path, MsgNotLocked)
	}
	if n.Type != content.TypeSubject {
		return refusal(ReasonNotSubject, n.Path, MsgNotSubjectUnlock)
	}

	ancestors, err := s.Ancestors(ctx, n)
	if err != nil {
		return repositoryFailure(n.Path, ActionUnlock, "ancestors", err)
	}
	for _, a := range ancestors {
		if a.Type == content.TypeSubject && isLocked(a) {
			return refusal(ReasonAncestorLocked, n.Path, MsgAncestorLocked)
		}
	}
	return nil
}

// treeKey identifies the Subject tree n belongs to: the path of its
// top-most Subject ancestor, or its own path.
func (m *Manager) treeKey(ctx context.Context, s *content.Session, n *content.Node) (string, error) {
	ancestors, err := s.Ancestors(ctx, n)
	if err != nil {
		return "", err
	}
	key := n.Path
	for _, a := range ancestors {
		if a.Type == content.TypeSubject {
			key = a.Path
		}
	}
	return key, nil
}

func (m *Manager) record(operation string, start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordDuration(operation, time.Since(start).Seconds())

	var lockErr *LockError
	switch {
	case err == nil:
		m.metrics.RecordOperation(operation, metrics.StatusSuccess)
	case errors.As(err, &lockErr) && lockErr.IsConflict():
		m.metrics.RecordOperation(operation, metrics.StatusRefused)
		m.metrics.RecordError(operation, string(lockErr.Reason))
	case errors.As(err, &lockErr):
		m.metrics.RecordOperation(operation, metrics.StatusError)
		m.metrics.RecordError(operation, string(lockErr.Reason))
	default:
		m.metrics.RecordOperation(operation, metrics.StatusError)
		m.metrics.RecordError(operation, "unknown")
	}
}

func isLocked(n *content.Node) bool {
	return n.HasValue(content.PropStatusFlags, FlagLocked)
}
