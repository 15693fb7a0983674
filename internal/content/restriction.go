package content

import (
	"context"
	"fmt"

	"github.com/trialvault/trialvault/internal/errors"
)

// Operation identifies the kind of write a restriction is asked about.
type Operation string

const (
	OpSetProperty Operation = "set_property"
	OpAddNode     Operation = "add_node"
	OpRemoveNode  Operation = "remove_node"
)

// WriteRequest describes a write about to be accepted into a session.
//
// Target is the node being written: the node whose property changes, the
// parent receiving a child, or the node being removed. Committed and Owner
// carry persisted state only, so a restriction can decide without issuing
// reads of its own.
type WriteRequest struct {
	Op        Operation
	Principal string

	// Target as the session currently sees it.
	Target *Node
	// Committed is the persisted state of Target, nil when Target was
	// added in this session and not yet saved.
	Committed *Node
	// Owner is the persisted state of the nearest Subject or Form at or
	// above Target, nil when there is none.
	Owner *Node

	// Set for OpSetProperty.
	Property string
	Values   []string
	// Referenced is the persisted state of the node a reference write points
	// at, nil when it was added in this session.
	Referenced *Node
	referenceID string

	// Set for OpAddNode.
	ChildName string
	ChildType string
}

// Restriction vetoes writes made through non-service sessions.
type Restriction interface {
	Name() string
	// Check returns nil to allow the write, or an error wrapping
	// ErrAccessDenied to reject it.
	Check(ctx context.Context, req *WriteRequest) error
}

// Deny builds the rejection a Restriction returns.
func Deny(restriction string, req *WriteRequest, reason string) error {
	return errors.New(fmt.Errorf("%w: %s", ErrAccessDenied, reason)).
		Component("content").
		Category(errors.CategoryAuth).
		NodeContext(req.Target.Path, req.Target.Type).
		Context("restriction", restriction).
		Context("operation", string(req.Op)).
		Context("principal", req.Principal).
		Build()
}
