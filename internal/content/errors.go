package content

import (
	"fmt"

	"github.com/trialvault/trialvault/internal/errors"
)

// Sentinel errors for content operations. Callers test with errors.Is; the
// store wraps them in enhanced errors carrying node context.
var (
	// ErrNotFound indicates no node exists at the requested path or id.
	ErrNotFound = errors.NewStd("node not found")

	// ErrItemExists indicates a node already exists at the target path.
	ErrItemExists = errors.NewStd("node already exists")

	// ErrInvalidPath indicates a malformed absolute path or node name.
	ErrInvalidPath = errors.NewStd("invalid node path")

	// ErrCheckedIn indicates a write to a versionable node that is checked in.
	ErrCheckedIn = errors.NewStd("node is checked in")

	// ErrNotVersionable indicates a revision control call on a node type without versions.
	ErrNotVersionable = errors.NewStd("node is not versionable")

	// ErrPendingChanges indicates a checkin while the node has unsaved changes.
	ErrPendingChanges = errors.NewStd("node has pending changes")

	// ErrAccessDenied indicates a write restriction rejected the write.
	ErrAccessDenied = errors.NewStd("write access denied")

	// ErrSessionClosed indicates use of a session after Logout.
	ErrSessionClosed = errors.NewStd("session is closed")
)

func notFound(ref string) error {
	return errors.New(fmt.Errorf("%w: %s", ErrNotFound, ref)).
		Component("content").
		Category(errors.CategoryNotFound).
		Build()
}

func stateError(sentinel error, node *Node, operation string) error {
	return errors.New(fmt.Errorf("%w: %s", sentinel, node.Path)).
		Component("content").
		Category(errors.CategoryVersioning).
		NodeContext(node.Path, node.Type).
		Context("operation", operation).
		Build()
}

func dbError(err error, operation string) error {
	return errors.New(err).
		Component("content").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}
