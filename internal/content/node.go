// Package content implements the versioned content tree that stores Subjects,
// Forms and Lock Markers: typed nodes addressed by path, multi-valued string
// and reference properties, per-session pending changes committed atomically,
// explicit checkout/checkin revision control and write restrictions.
package content

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/trialvault/trialvault/internal/errors"
)

// Node types understood by the store.
const (
	TypeFolder  = "Folder"
	TypeSubject = "Subject"
	TypeForm    = "Form"
	TypeLock    = "Lock"
)

// Well-known property names.
const (
	PropStatusFlags = "statusFlags"
	PropSubject     = "subject"
	PropAuthor      = "author"
	PropCreated     = "created"
)

// RootPath is the path of the tree root, created by NewRepository.
const RootPath = "/"

// PropertyKind distinguishes plain string values from node references.
type PropertyKind string

const (
	KindString    PropertyKind = "string"
	KindReference PropertyKind = "reference"
)

// Property is a named, multi-valued node property.
type Property struct {
	Name   string
	Kind   PropertyKind
	Values []string
}

// Node is a snapshot of a content node as seen by one session: committed
// state with that session's pending changes applied. Mutations go through
// Session methods, never through the snapshot.
type Node struct {
	ID          string
	Path        string
	Name        string
	Type        string
	ParentID    string
	CheckedOut  bool
	BaseVersion int

	props map[string]Property
}

// IsVersionable reports whether the node participates in checkout/checkin.
func (n *Node) IsVersionable() bool {
	return IsVersionableType(n.Type)
}

// IsRecord reports whether the node is a Subject or Form.
func (n *Node) IsRecord() bool {
	return IsRecordType(n.Type)
}

// Property returns the named property.
func (n *Node) Property(name string) (Property, bool) {
	p, ok := n.props[name]
	if !ok {
		return Property{}, false
	}
	p.Values = slices.Clone(p.Values)
	return p, true
}

// Values returns a copy of the named property's values, nil when absent.
func (n *Node) Values(name string) []string {
	return slices.Clone(n.props[name].Values)
}

// Value returns the first value of the named property or "".
func (n *Node) Value(name string) string {
	if vals := n.props[name].Values; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// HasValue reports whether the named property contains value.
func (n *Node) HasValue(name, value string) bool {
	return slices.Contains(n.props[name].Values, value)
}

// PropertyNames returns the node's property names in sorted order.
func (n *Node) PropertyNames() []string {
	names := make([]string, 0, len(n.props))
	for name := range n.props {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (n *Node) clone() *Node {
	c := *n
	c.props = make(map[string]Property, len(n.props))
	for k, p := range n.props {
		p.Values = slices.Clone(p.Values)
		c.props[k] = p
	}
	return &c
}

// IsVersionableType reports whether nodes of type t carry versions.
func IsVersionableType(t string) bool {
	return t == TypeSubject || t == TypeForm
}

// IsRecordType reports whether t is a clinical record type (Subject or Form).
func IsRecordType(t string) bool {
	return t == TypeSubject || t == TypeForm
}

// CleanPath validates an absolute node path and strips a trailing slash.
func CleanPath(p string) (string, error) {
	cleaned := path.Clean(p)
	if !strings.HasPrefix(p, "/") || (cleaned != p && cleaned+"/" != p) {
		return "", errors.New(fmt.Errorf("%w: %q", ErrInvalidPath, p)).
			Component("content").
			Category(errors.CategoryValidation).
			Build()
	}
	return cleaned, nil
}

// childPath joins a parent path and a child name.
func childPath(parent, name string) string {
	if parent == RootPath {
		return RootPath + name
	}
	return parent + "/" + name
}

// validName rejects names that would break path addressing.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\x00")
}

// isUnder reports whether p equals root or lies beneath it.
func isUnder(p, root string) bool {
	if root == RootPath {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}
