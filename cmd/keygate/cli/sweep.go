package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/service"
)

func newSweepCmd() *cobra.Command {
	var (
		monthly   bool
		rotations bool
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the rotation and monthly reset sweeps once",
		Long: `Run the scheduled maintenance that keygate serve performs on a timer.

With no flags both sweeps run. The monthly reset only zeroes counters when
the recorded reset month is behind the current UTC month, unless --force
is given.`,
		Example: `  keygate sweep
  keygate sweep --rotations
  keygate sweep --monthly-reset --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !monthly && !rotations {
				monthly, rotations = true, true
			}
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openKeyStore(settings)
			if err != nil {
				return err
			}
			defer store.Close()

			logger := cliLogger(settings)
			keys := newKeyService(settings, store, nil, nil, logger)
			defer keys.Close()

			ctx := context.Background()
			out := cmd.OutOrStdout()
			var errs []error

			if rotations {
				n, err := keys.RevokeDueRotations(ctx)
				if err != nil {
					errs = append(errs, err)
				}
				fmt.Fprintf(out, "rotations: revoked %d key(s)\n", n)
			}

			if monthly {
				if force {
					n, err := keys.MonthlyReset(ctx)
					if err != nil {
						errs = append(errs, err)
					}
					fmt.Fprintf(out, "monthly reset: forced, %d key(s) reset\n", n)
				} else {
					sched := service.NewScheduler(keys, store, settings.Keys.SweepInterval, settings.Keys.ResetCheckInterval, logger)
					ran, err := sched.CheckMonthlyReset(ctx)
					if err != nil {
						errs = append(errs, err)
					}
					if ran {
						fmt.Fprintln(out, "monthly reset: counters reset for the new month")
					} else {
						fmt.Fprintln(out, "monthly reset: not due")
					}
				}
			}

			return errors.Join(errs...)
		},
	}

	cmd.Flags().BoolVar(&monthly, "monthly-reset", false, "Run the monthly counter reset")
	cmd.Flags().BoolVar(&rotations, "rotations", false, "Revoke rotated keys whose grace period has ended")
	cmd.Flags().BoolVar(&force, "force", false, "Reset monthly counters even if this month was already reset")

	return cmd
}
