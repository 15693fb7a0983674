package content

import (
	"context"
	"io"
	"maps"
	"path"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/logger"
)

// Fixture describes a content tree to seed, in YAML:
//
//	nodes:
//	  - path: /subjects/s1
//	    type: Subject
//	  - path: /forms/f1
//	    type: Form
//	    properties:
//	      statusFlags: [INCOMPLETE]
//	    references:
//	      subject: /subjects/s1
type Fixture struct {
	Nodes []FixtureNode `yaml:"nodes"`
}

// FixtureNode is one node of a Fixture. References map a property name to
// the path of the referenced node.
type FixtureNode struct {
	Path       string              `yaml:"path"`
	Type       string              `yaml:"type"`
	Properties map[string][]string `yaml:"properties"`
	References map[string]string   `yaml:"references"`
}

// ParseFixture decodes a YAML fixture.
func ParseFixture(r io.Reader) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.New(err).
			Component("content").
			Category(errors.CategoryFileParsing).
			Context("operation", "parse_fixture").
			Build()
	}
	return &f, nil
}

// LoadFixture creates the fixture's nodes as principal, adding missing
// intermediate folders, and checks in every versionable node it created or
// had to check out. Nodes that already exist are left alone. It returns the
// number of nodes touched.
//
// The session is not a service session, so the repository restrictions
// apply: with lock enforcement installed a fixture cannot add below a
// locked record, reference one or set LOCKED itself. Nothing is saved when
// any write is refused.
func (r *Repository) LoadFixture(ctx context.Context, f *Fixture, principal string) (touched int, err error) {
	s := r.Login(principal)
	defer s.Logout()

	// Parents this call checked out are released again when it fails.
	var checkedOut []*Node
	defer func() {
		if err == nil {
			return
		}
		s.Refresh()
		for _, c := range checkedOut {
			if cerr := s.CancelCheckout(ctx, c); cerr != nil {
				r.log.Warn("failed to cancel fixture checkout",
					logger.Path(c.Path),
					logger.Error(cerr))
			}
		}
	}()

	var created []*Node
	track := func(n *Node) {
		if !slices.ContainsFunc(created, func(c *Node) bool { return c.ID == n.ID }) {
			created = append(created, n)
		}
	}

	for i := range f.Nodes {
		spec := &f.Nodes[i]
		p, err := CleanPath(spec.Path)
		if err != nil {
			return 0, err
		}
		if _, err := s.GetNode(ctx, p); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return 0, err
		}

		parent, folders, err := s.ensureFolders(ctx, path.Dir(p))
		if err != nil {
			return 0, err
		}
		for _, folder := range folders {
			track(folder)
		}
		if parent.IsVersionable() {
			wasCheckedOut := parent.CheckedOut
			if err := s.Checkout(ctx, parent); err != nil {
				return 0, err
			}
			if !wasCheckedOut {
				checkedOut = append(checkedOut, parent)
			}
			track(parent)
		}

		n, err := s.AddNode(ctx, parent, path.Base(p), spec.Type)
		if err != nil {
			return 0, err
		}
		for _, name := range sortedKeys(spec.Properties) {
			if err := s.SetProperty(ctx, n, name, spec.Properties[name]...); err != nil {
				return 0, err
			}
		}
		track(n)
	}

	// References may point at nodes declared later in the file.
	for i := range f.Nodes {
		spec := &f.Nodes[i]
		if len(spec.References) == 0 {
			continue
		}
		n, err := s.GetNode(ctx, spec.Path)
		if err != nil {
			return 0, err
		}
		if !slices.ContainsFunc(created, func(c *Node) bool { return c.ID == n.ID }) {
			continue
		}
		for _, name := range sortedKeys(spec.References) {
			target, err := s.GetNode(ctx, spec.References[name])
			if err != nil {
				return 0, err
			}
			if err := s.SetReference(ctx, n, name, target); err != nil {
				return 0, err
			}
		}
	}

	if err := s.Save(ctx); err != nil {
		return 0, err
	}
	for _, n := range created {
		if !n.IsVersionable() {
			continue
		}
		if _, err := s.Checkin(ctx, n); err != nil {
			return 0, err
		}
	}

	r.log.Info("fixture loaded", logger.Int("created", len(created)))
	return len(created), nil
}

// ensureFolders resolves p, creating missing folders along the way.
func (s *Session) ensureFolders(ctx context.Context, p string) (*Node, []*Node, error) {
	n, err := s.GetNode(ctx, p)
	if err == nil {
		return n, nil, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	parent, created, err := s.ensureFolders(ctx, path.Dir(p))
	if err != nil {
		return nil, nil, err
	}
	n, err = s.AddNode(ctx, parent, path.Base(p), TypeFolder)
	if err != nil {
		return nil, nil, err
	}
	return n, append(created, n), nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
