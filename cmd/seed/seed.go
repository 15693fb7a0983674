// Package seed provides the seed command, which loads a YAML content fixture
// into the repository.
package seed

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/trialvault/trialvault/internal/conf"
	"github.com/trialvault/trialvault/internal/content"
	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/locking"
)

// Command creates and returns the seed command
func Command(settings *conf.Settings) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load a content fixture into the repository",
		Long: `Seed creates the subjects, forms and folders described in a YAML fixture.
Existing nodes are left untouched, so seeding the same fixture twice is harmless.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			n, err := Run(ctx, settings, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d nodes from %s\n", n, args[0])
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Abort seeding after this long")

	return cmd
}

// Run loads the fixture at path into the configured repository and returns
// the number of nodes created or updated.
func Run(ctx context.Context, settings *conf.Settings, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.New(err).
			Component("seed").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer func() { _ = f.Close() }()

	fixture, err := content.ParseFixture(f)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	repo, err := content.Open(content.Config{
		Type:          settings.Database.Type,
		Path:          settings.Database.Path,
		DSN:           settings.Database.DSN,
		SlowThreshold: settings.Database.SlowThreshold,
		MaxOpenConns:  settings.Database.MaxOpenConns,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to open content repository: %w", err)
	}
	defer func() { _ = repo.Close() }()

	// Fixtures load through a user session, so locked records are refused
	locking.InstallRestrictions(repo)

	principal := settings.Locking.ServicePrincipal
	if principal == "" {
		principal = locking.DefaultServicePrincipal
	}
	return repo.LoadFixture(ctx, fixture, principal)
}
