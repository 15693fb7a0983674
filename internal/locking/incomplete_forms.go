package locking

import (
	"context"
	"fmt"

	"github.com/trialvault/trialvault/internal/content"
)

// FlagIncomplete marks a Form whose data entry is not finished.
const FlagIncomplete = "INCOMPLETE"

// IncompleteFormsName is the configuration name of IncompleteForms.
const IncompleteFormsName = "incomplete-forms"

func init() {
	Register(IncompleteFormsName, func() Precondition { return IncompleteForms{} })
}

// IncompleteForms objects to locking a Subject while any Form referencing
// it, or referencing one of its descendant Subjects, is flagged INCOMPLETE.
type IncompleteForms struct{}

func (IncompleteForms) Name() string { return IncompleteFormsName }

func (IncompleteForms) CanLock(ctx context.Context, s *content.Session, subject *content.Node) Result {
	form, err := findIncompleteForm(ctx, s, subject)
	if err != nil {
		return Errored(err)
	}
	if form != nil {
		return Object(fmt.Sprintf("Form %s is incomplete", form.Path))
	}
	return Approve()
}

func findIncompleteForm(ctx context.Context, s *content.Session, subject *content.Node) (*content.Node, error) {
	forms, err := s.References(ctx, subject, content.PropSubject)
	if err != nil {
		return nil, err
	}
	for _, form := range forms {
		if form.Type == content.TypeForm && form.HasValue(content.PropStatusFlags, FlagIncomplete) {
			return form, nil
		}
	}

	children, err := s.Children(ctx, subject)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if child.Type != content.TypeSubject {
			continue
		}
		if form, err := findIncompleteForm(ctx, s, child); form != nil || err != nil {
			return form, err
		}
	}
	return nil, nil
}
