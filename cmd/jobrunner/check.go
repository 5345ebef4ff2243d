package main

import (
	"context"
	"encoding/json"
	"errors"
	"jobrunner/internal/apperrors"
	"jobrunner/internal/health"

	"github.com/spf13/cobra"
)

// errUnhealthy is returned by check when a dependency is not ready.
var errUnhealthy = errors.New("one or more dependencies are not ready")

// failedChecker reports a dependency that could not even be set up.
type failedChecker struct{ err error }

func (f failedChecker) Ready(context.Context) error { return f.err }

func newCheckCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that the job queue and the execution backend are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			checker := health.NewChecker(root.cfg.Queue.Timeout)

			if q, err := openQueue(ctx, root.cfg); err != nil {
				checker.Register("queue", failedChecker{err})
			} else {
				checker.Register("queue", q)
			}

			backend, closeBackend, err := openBackend(root.cfg)
			if err != nil {
				checker.Register("backend", failedChecker{err})
			} else {
				defer closeBackend()
				checker.Register("backend", backend)
			}

			response := checker.Readiness(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(response); err != nil {
				return apperrors.Internal("check.encode", err)
			}
			if !response.IsHealthy() {
				return errUnhealthy
			}
			return nil
		},
	}
}
