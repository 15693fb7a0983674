package content

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/logger"
)

// pendingProp is an unsaved property value; removed marks a deletion.
type pendingProp struct {
	kind    PropertyKind
	values  []string
	removed bool
}

// nodeChanges holds the unsaved property changes of one node.
type nodeChanges struct {
	path  string
	props map[string]pendingProp
}

// Session is one caller's view of the repository. Writes are kept as
// pending changes, overlaid on reads, and committed atomically by Save.
// A Session is not safe for concurrent use.
type Session struct {
	repo      *Repository
	principal string
	service   bool
	closed    bool
	log       logger.Logger

	props   map[string]*nodeChanges // node id -> pending property changes
	added   map[string]*Node        // node id -> node created in this session
	order   []string                // added ids in creation order
	byPath  map[string]string       // path -> id of added nodes
	removed map[string]string       // node id -> path of committed nodes to delete
}

func newSession(repo *Repository, principal string, service bool) *Session {
	s := &Session{
		repo:      repo,
		principal: principal,
		service:   service,
		log:       repo.log.With(logger.String("principal", principal)),
	}
	s.reset()
	return s
}

func (s *Session) reset() {
	s.props = make(map[string]*nodeChanges)
	s.added = make(map[string]*Node)
	s.order = nil
	s.byPath = make(map[string]string)
	s.removed = make(map[string]string)
}

// Principal returns the identity the session was opened for.
func (s *Session) Principal() string {
	return s.principal
}

// IsService reports whether the session bypasses write restrictions.
func (s *Session) IsService() bool {
	return s.service
}

// Logout discards pending changes and closes the session.
func (s *Session) Logout() {
	s.reset()
	s.closed = true
}

func (s *Session) checkOpen() error {
	if s.closed {
		return errors.New(ErrSessionClosed).
			Component("content").
			Category(errors.CategoryState).
			Build()
	}
	return nil
}

// GetNode resolves a node by absolute path.
func (s *Session) GetNode(ctx context.Context, p string) (*Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}

	if id, ok := s.byPath[p]; ok {
		return s.overlay(s.added[id].clone()), nil
	}
	if s.isRemoved(p) {
		return nil, notFound(p)
	}

	rec, err := s.repo.loadRecordByPath(ctx, s.repo.db, p)
	if err != nil {
		return nil, err
	}
	n, err := s.repo.committedNode(ctx, s.repo.db, rec)
	if err != nil {
		return nil, err
	}
	return s.overlay(n), nil
}

// GetNodeByID resolves a node by identifier.
func (s *Session) GetNodeByID(ctx context.Context, id string) (*Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if n, ok := s.added[id]; ok {
		return s.overlay(n.clone()), nil
	}

	rec, err := s.repo.loadRecordByID(ctx, s.repo.db, id)
	if err != nil {
		return nil, err
	}
	if s.isRemoved(rec.Path) {
		return nil, notFound(id)
	}
	n, err := s.repo.committedNode(ctx, s.repo.db, rec)
	if err != nil {
		return nil, err
	}
	return s.overlay(n), nil
}

// Parent returns the parent of n. The root has no parent.
func (s *Session) Parent(ctx context.Context, n *Node) (*Node, error) {
	if n.Path == RootPath {
		return nil, notFound("parent of " + RootPath)
	}
	return s.GetNode(ctx, path.Dir(n.Path))
}

// Ancestors returns the ancestors of n, nearest first, ending with the root.
func (s *Session) Ancestors(ctx context.Context, n *Node) ([]*Node, error) {
	var ancestors []*Node
	for p := n.Path; p != RootPath; {
		p = path.Dir(p)
		a, err := s.GetNode(ctx, p)
		if err != nil {
			return nil, err
		}
		ancestors = append(ancestors, a)
	}
	return ancestors, nil
}

// Children returns the children of n ordered by name.
func (s *Session) Children(ctx context.Context, n *Node) ([]*Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var records []NodeRecord
	if err := s.repo.db.WithContext(ctx).Where("parent_id = ?", n.ID).Find(&records).Error; err != nil {
		return nil, dbError(err, "list_children")
	}

	ids := make([]string, 0, len(records))
	for i := range records {
		ids = append(ids, records[i].ID)
	}
	props, err := s.repo.loadProperties(ctx, s.repo.db, ids...)
	if err != nil {
		return nil, err
	}

	children := make([]*Node, 0, len(records))
	for i := range records {
		if s.isRemoved(records[i].Path) {
			continue
		}
		children = append(children, s.overlay(nodeFromRecord(&records[i], props[records[i].ID])))
	}
	for _, id := range s.order {
		if a := s.added[id]; a.ParentID == n.ID {
			children = append(children, s.overlay(a.clone()))
		}
	}

	slices.SortFunc(children, func(a, b *Node) int {
		return strings.Compare(a.Name, b.Name)
	})
	return children, nil
}

// References returns the nodes whose reference property points at target,
// ordered by path.
func (s *Session) References(ctx context.Context, target *Node, property string) ([]*Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var refs []ReferenceRecord
	err := s.repo.db.WithContext(ctx).
		Where("target_id = ? AND property = ?", target.ID, property).
		Find(&refs).Error
	if err != nil {
		return nil, dbError(err, "list_references")
	}

	sources := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		sources[ref.SourceID] = struct{}{}
	}
	for id, changes := range s.props {
		p, ok := changes.props[property]
		if !ok {
			continue
		}
		if !p.removed && p.kind == KindReference && len(p.values) > 0 && p.values[0] == target.ID {
			sources[id] = struct{}{}
		} else {
			delete(sources, id)
		}
	}

	referrers := make([]*Node, 0, len(sources))
	for id := range sources {
		n, err := s.GetNodeByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		referrers = append(referrers, n)
	}

	slices.SortFunc(referrers, func(a, b *Node) int {
		return strings.Compare(a.Path, b.Path)
	})
	return referrers, nil
}

// SetProperty replaces the values of a string property. Calling it without
// values removes the property.
func (s *Session) SetProperty(ctx context.Context, n *Node, name string, values ...string) error {
	return s.setProperty(ctx, n, name, KindString, values)
}

// SetReference points a reference property of n at target. A nil target
// removes the property.
func (s *Session) SetReference(ctx context.Context, n *Node, name string, target *Node) error {
	if target == nil {
		return s.setProperty(ctx, n, name, KindReference, nil)
	}
	return s.setProperty(ctx, n, name, KindReference, []string{target.ID})
}

func (s *Session) setProperty(ctx context.Context, n *Node, name string, kind PropertyKind, values []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !validName(name) {
		return errors.New(fmt.Errorf("%w: property name %q", ErrInvalidPath, name)).
			Component("content").
			Category(errors.CategoryValidation).
			Build()
	}

	current, err := s.GetNode(ctx, n.Path)
	if err != nil {
		return err
	}
	if err := s.requireCheckedOut(ctx, current, "set_property"); err != nil {
		return err
	}
	req := &WriteRequest{
		Op:       OpSetProperty,
		Target:   current,
		Property: name,
		Values:   slices.Clone(values),
	}
	if kind == KindReference && len(values) == 1 {
		req.referenceID = values[0]
	}
	if err := s.authorize(ctx, req); err != nil {
		return err
	}

	changes, ok := s.props[current.ID]
	if !ok {
		changes = &nodeChanges{path: current.Path, props: make(map[string]pendingProp)}
		s.props[current.ID] = changes
	}
	if len(values) == 0 {
		changes.props[name] = pendingProp{kind: kind, removed: true}
	} else {
		changes.props[name] = pendingProp{kind: kind, values: slices.Clone(values)}
	}
	return nil
}

// AddNode creates a child of parent. Versionable nodes start checked out.
func (s *Session) AddNode(ctx context.Context, parent *Node, name, nodeType string) (*Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !validName(name) {
		return nil, errors.New(fmt.Errorf("%w: node name %q", ErrInvalidPath, name)).
			Component("content").
			Category(errors.CategoryValidation).
			Build()
	}
	switch nodeType {
	case TypeFolder, TypeSubject, TypeForm, TypeLock:
	default:
		return nil, errors.Newf("unknown node type %q", nodeType).
			Component("content").
			Category(errors.CategoryValidation).
			Build()
	}

	current, err := s.GetNode(ctx, parent.Path)
	if err != nil {
		return nil, err
	}
	p := childPath(current.Path, name)
	if _, err := s.GetNode(ctx, p); err == nil {
		return nil, errors.New(fmt.Errorf("%w: %s", ErrItemExists, p)).
			Component("content").
			Category(errors.CategoryConflict).
			NodeContext(p, nodeType).
			Build()
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := s.requireCheckedOut(ctx, current, "add_node"); err != nil {
		return nil, err
	}
	err = s.authorize(ctx, &WriteRequest{
		Op:        OpAddNode,
		Target:    current,
		ChildName: name,
		ChildType: nodeType,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		ID:         uuid.NewString(),
		Path:       p,
		Name:       name,
		Type:       nodeType,
		ParentID:   current.ID,
		CheckedOut: IsVersionableType(nodeType),
		props:      make(map[string]Property),
	}
	s.added[n.ID] = n
	s.order = append(s.order, n.ID)
	s.byPath[p] = n.ID
	return n.clone(), nil
}

// RemoveNode deletes n and its subtree when the session is saved.
func (s *Session) RemoveNode(ctx context.Context, n *Node) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if n.Path == RootPath {
		return errors.New(fmt.Errorf("%w: cannot remove root", ErrInvalidPath)).
			Component("content").
			Category(errors.CategoryValidation).
			Build()
	}

	current, err := s.GetNode(ctx, n.Path)
	if err != nil {
		return err
	}
	parent, err := s.Parent(ctx, current)
	if err != nil {
		return err
	}
	if err := s.requireCheckedOut(ctx, parent, "remove_node"); err != nil {
		return err
	}
	if err := s.authorize(ctx, &WriteRequest{Op: OpRemoveNode, Target: current}); err != nil {
		return err
	}

	s.dropPendingUnder(current.Path)
	if _, ok := s.added[current.ID]; !ok {
		s.removed[current.ID] = current.Path
	}
	return nil
}

// dropPendingUnder forgets added nodes and property changes at or below p.
func (s *Session) dropPendingUnder(p string) {
	kept := s.order[:0]
	for _, id := range s.order {
		if a := s.added[id]; isUnder(a.Path, p) {
			delete(s.added, id)
			delete(s.byPath, a.Path)
			delete(s.props, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	for id, changes := range s.props {
		if isUnder(changes.path, p) {
			delete(s.props, id)
		}
	}
}

// HasPendingChanges reports whether the session holds unsaved changes.
func (s *Session) HasPendingChanges() bool {
	return len(s.props) > 0 || len(s.added) > 0 || len(s.removed) > 0
}

// Refresh discards all pending changes.
func (s *Session) Refresh() {
	s.reset()
}

// Save commits all pending changes in a single transaction. On failure
// nothing is persisted and the pending changes are kept.
func (s *Session) Save(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.HasPendingChanges() {
		return nil
	}

	err := s.repo.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range s.removed {
			if err := deleteSubtree(tx, p); err != nil {
				return err
			}
		}

		for _, id := range s.order {
			a := s.added[id]
			parentID := a.ParentID
			rec := &NodeRecord{
				ID:         a.ID,
				Path:       a.Path,
				ParentID:   &parentID,
				Name:       a.Name,
				Type:       a.Type,
				CheckedOut: a.CheckedOut,
			}
			if err := tx.Create(rec).Error; err != nil {
				return err
			}
		}

		for id, changes := range s.props {
			for name, p := range changes.props {
				if err := writeProperty(tx, id, name, p); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return dbError(err, "save")
	}

	for _, p := range s.removed {
		s.repo.invalidatePath(p)
	}
	s.log.Debug("session saved",
		logger.Int("added", len(s.added)),
		logger.Int("modified", len(s.props)),
		logger.Int("removed", len(s.removed)))
	s.reset()
	return nil
}

func deleteSubtree(tx *gorm.DB, p string) error {
	var ids []string
	err := tx.Model(&NodeRecord{}).
		Where("path = ? OR path LIKE ? ESCAPE '!'", p, escapeLike(p)+"/%").
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return err
	}
	if err := tx.Where("node_id IN ?", ids).Delete(&PropertyRecord{}).Error; err != nil {
		return err
	}
	if err := tx.Where("source_id IN ?", ids).Delete(&ReferenceRecord{}).Error; err != nil {
		return err
	}
	return tx.Where("id IN ?", ids).Delete(&NodeRecord{}).Error
}

func writeProperty(tx *gorm.DB, nodeID, name string, p pendingProp) error {
	if p.removed {
		if err := tx.Where("node_id = ? AND name = ?", nodeID, name).Delete(&PropertyRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("source_id = ? AND property = ?", nodeID, name).Delete(&ReferenceRecord{}).Error
	}

	encoded, err := json.Marshal(p.values)
	if err != nil {
		return err
	}
	rec := &PropertyRecord{NodeID: nodeID, Name: name, Kind: string(p.kind), ValueList: string(encoded)}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error; err != nil {
		return err
	}

	if p.kind != KindReference {
		return tx.Where("source_id = ? AND property = ?", nodeID, name).Delete(&ReferenceRecord{}).Error
	}
	ref := &ReferenceRecord{SourceID: nodeID, Property: name, TargetID: p.values[0]}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(ref).Error
}

// escapeLike escapes LIKE wildcards using '!' as the escape character.
func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// overlay applies this session's pending property changes to n.
func (s *Session) overlay(n *Node) *Node {
	changes, ok := s.props[n.ID]
	if !ok {
		return n
	}
	for name, p := range changes.props {
		if p.removed {
			delete(n.props, name)
			continue
		}
		n.props[name] = Property{Name: name, Kind: p.kind, Values: slices.Clone(p.values)}
	}
	return n
}

func (s *Session) isRemoved(p string) bool {
	for _, r := range s.removed {
		if isUnder(p, r) {
			return true
		}
	}
	return false
}

// hasPendingFor reports whether n or its direct children carry unsaved changes.
func (s *Session) hasPendingFor(n *Node) bool {
	if _, ok := s.added[n.ID]; ok {
		return true
	}
	if _, ok := s.props[n.ID]; ok {
		return true
	}
	for _, a := range s.added {
		if a.ParentID == n.ID {
			return true
		}
	}
	for _, p := range s.removed {
		if path.Dir(p) == n.Path {
			return true
		}
	}
	return false
}

// requireCheckedOut rejects writes below a checked-in versionable node. The
// gate is the nearest versionable node at or above n.
func (s *Session) requireCheckedOut(ctx context.Context, n *Node, operation string) error {
	gate := n
	for !gate.IsVersionable() {
		if gate.Path == RootPath {
			return nil
		}
		parent, err := s.Parent(ctx, gate)
		if err != nil {
			return err
		}
		gate = parent
	}
	if _, ok := s.added[gate.ID]; ok {
		return nil
	}

	rec, err := s.repo.loadRecordByID(ctx, s.repo.db, gate.ID)
	if err != nil {
		return err
	}
	if !rec.CheckedOut {
		return stateError(ErrCheckedIn, gate, operation)
	}
	return nil
}

// authorize runs the repository restrictions against a write by a
// non-service session.
func (s *Session) authorize(ctx context.Context, req *WriteRequest) error {
	if s.service {
		return nil
	}
	restrictions := s.repo.currentRestrictions()
	if len(restrictions) == 0 {
		return nil
	}

	req.Principal = s.principal
	if _, ok := s.added[req.Target.ID]; !ok {
		rec, err := s.repo.loadRecordByID(ctx, s.repo.db, req.Target.ID)
		if err != nil {
			return err
		}
		if req.Committed, err = s.repo.committedNode(ctx, s.repo.db, rec); err != nil {
			return err
		}
	}
	if _, ok := s.added[req.referenceID]; req.referenceID != "" && !ok {
		rec, err := s.repo.loadRecordByID(ctx, s.repo.db, req.referenceID)
		if err != nil {
			return err
		}
		if req.Referenced, err = s.repo.committedNode(ctx, s.repo.db, rec); err != nil {
			return err
		}
	}
	owner, err := s.committedOwner(ctx, req.Target.Path)
	if err != nil {
		return err
	}
	req.Owner = owner

	for _, r := range restrictions {
		if err := r.Check(ctx, req); err != nil {
			s.log.Info("write denied",
				logger.String("restriction", r.Name()),
				logger.String("operation", string(req.Op)),
				logger.NodeType(req.Target.Type))
			return err
		}
	}
	return nil
}

// committedOwner returns the persisted state of the nearest Subject or Form
// at or above p.
func (s *Session) committedOwner(ctx context.Context, p string) (*Node, error) {
	for {
		rec, err := s.repo.loadRecordByPath(ctx, s.repo.db, p)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, err
		case IsRecordType(rec.Type):
			return s.repo.committedNode(ctx, s.repo.db, rec)
		}
		if p == RootPath {
			return nil, nil
		}
		p = path.Dir(p)
	}
}
