package main

import (
	"encoding/json"
	"fmt"
	"jobrunner/internal/apperrors"
	"jobrunner/internal/queue"
	"strconv"

	"github.com/spf13/cobra"
)

// defaultKillMessage is logged for jobs killed without an explicit message.
const defaultKillMessage = "killed by an administrator"

func newListCmd(root *rootOptions) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:       "list [submitted|running]",
		Short:     "List the platform's submitted or running jobs",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(queue.ListSubmitted), string(queue.ListRunning)},
		RunE: func(cmd *cobra.Command, args []string) error {
			state := queue.ListSubmitted
			if len(args) == 1 {
				state = queue.ListState(args[0])
			}

			q, err := openQueue(cmd.Context(), root.cfg)
			if err != nil {
				return err
			}
			jobs, uris, err := q.List(cmd.Context(), state, verbose)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if verbose {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}
			for _, uri := range uris {
				fmt.Fprintln(out, uri)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print full job records instead of resource URIs")
	return cmd
}

func newResetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <job-id>",
		Short: "Put a job back into the submitted state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}

			q, err := openQueue(cmd.Context(), root.cfg)
			if err != nil {
				return err
			}
			j, err := q.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := q.Reset(cmd.Context(), j); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d reset to submitted\n", id)
			return nil
		},
	}
}

func newKillCmd(root *rootOptions) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "kill <job-id>",
		Short: "Set a submitted or running job to error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}

			q, err := openQueue(cmd.Context(), root.cfg)
			if err != nil {
				return err
			}
			j, err := q.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := q.Kill(cmd.Context(), j, message); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d killed\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", defaultKillMessage, "message appended to the job log")
	return cmd
}

func parseJobID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.Validation("job-id", fmt.Sprintf("invalid job id %q", arg))
	}
	return id, nil
}
