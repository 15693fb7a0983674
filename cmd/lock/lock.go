// Package lock provides the lock, unlock and status commands, which drive a
// running trialvault server over HTTP.
package lock

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trialvault/trialvault/internal/client"
	"github.com/trialvault/trialvault/internal/conf"
)

// clientFlags override the client section of the settings.
type clientFlags struct {
	url      string
	user     string
	password string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "Server URL, overrides client.url")
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "Basic auth user, overrides client.username")
	cmd.Flags().StringVarP(&f.password, "password", "p", "", "Basic auth password, overrides client.password")
}

func (f *clientFlags) newClient(settings *conf.Settings) (*client.Client, error) {
	cfg := client.ConfigFromSettings(&settings.Client)
	if f.url != "" {
		cfg.BaseURL = f.url
	}
	if f.user != "" {
		cfg.Username = f.user
	}
	if f.password != "" {
		cfg.Password = f.password
	}
	return client.New(cfg, nil)
}

// Commands creates and returns the lock, unlock and status commands
func Commands(settings *conf.Settings) []*cobra.Command {
	return []*cobra.Command{
		lockCommand(settings),
		unlockCommand(settings),
		statusCommand(settings),
	}
}

func lockCommand(settings *conf.Settings) *cobra.Command {
	var (
		flags clientFlags
		force bool
	)

	cmd := &cobra.Command{
		Use:   "lock <path>",
		Short: "Lock a subject and everything below it",
		Long: `Lock sets a lock marker on the subject at <path> and cascades it to descendant
subjects and their forms. With --force, soft objections such as incomplete
forms are overridden.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(settings)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Lock(cmd.Context(), args[0], force); err != nil {
				return fmt.Errorf("lock %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Locked %s\n", args[0])
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Override soft precondition objections")

	return cmd
}

func unlockCommand(settings *conf.Settings) *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "unlock <path>",
		Short: "Unlock a subject locked at <path>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(settings)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Unlock(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("unlock %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unlocked %s\n", args[0])
			return nil
		},
	}

	flags.register(cmd)

	return cmd
}

func statusCommand(settings *conf.Settings) *cobra.Command {
	var (
		flags  clientFlags
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status <path>",
		Short: "Show the lock status of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(settings)
			if err != nil {
				return err
			}
			defer c.Close()

			status, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("status %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Fprintf(out, "%s (%s)\n", status.Path, status.Type)
			switch {
			case status.Direct && status.LockedAt != nil:
				fmt.Fprintf(out, "  locked by %s at %s\n", status.LockedBy, status.LockedAt.Format(time.DateTime+" MST"))
			case status.Direct:
				fmt.Fprintf(out, "  locked by %s\n", status.LockedBy)
			case status.Locked:
				fmt.Fprintln(out, "  locked by an ancestor")
			default:
				fmt.Fprintln(out, "  not locked")
			}
			fmt.Fprintf(out, "  can lock:   %s\n", answer(status.CanLock, status.LockRefusal))
			fmt.Fprintf(out, "  can unlock: %s\n", answer(status.CanUnlock, status.UnlockRefusal))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status as JSON")

	return cmd
}

func answer(ok bool, refusal string) string {
	if ok {
		return "yes"
	}
	if refusal == "" {
		return "no"
	}
	return "no, " + refusal
}
