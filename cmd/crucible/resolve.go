package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rogers-f/crucible/internal/ipc"
)

func resolveCmd() *cobra.Command {
	var (
		actor string
		note  string
	)

	cmd := &cobra.Command{
		Use:   "resolve <choice>",
		Short: "Answer the query a blocked run is waiting on",
		Long: `Answer the pending query of a blocked run with one of its options.

Common choices:
  retry           evaluate the phase gate again
  force           leave the phase despite the gate
  accept_defects  leave injection with the defects recorded
  raise_budget    lift the tier budget and continue
  abort           fail the run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(v.GetString("run.listen_addr"))

			var q struct {
				Query   string   `json:"query"`
				Options []string `json:"options"`
			}
			if err := c.get("/api/v1/run/query", &q); err != nil {
				return err
			}
			fmt.Printf("Query: %s\n", q.Query)

			req := ipc.ResolveRequest{Choice: args[0], Actor: actor, Note: note}
			if err := c.post("/api/v1/run/resolve", req, nil); err != nil {
				return fmt.Errorf("%w (options: %s)", err, strings.Join(q.Options, ", "))
			}
			fmt.Printf("Resolved with %q by %s\n", args[0], actor)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "who is deciding (required)")
	cmd.Flags().StringVar(&note, "note", "", "reason for the decision")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func resetCmd() *cobra.Command {
	var (
		actor  string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "reset <function-id>",
		Short: "Return a defective function to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(v.GetString("run.listen_addr"))
			req := ipc.ResetRequest{Actor: actor, Reason: reason}
			if err := c.post("/api/v1/functions/"+args[0]+"/reset", req, nil); err != nil {
				return err
			}
			fmt.Printf("Function %s reset by %s\n", args[0], actor)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "who is deciding (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "why the function is retried")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func tripCmd() *cobra.Command {
	var (
		actor  string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "trip",
		Short: "Trip the circuit and stop the attempt loop",
		Long: `Trip the circuit breaker of the running run. The trip is irreversible:
the attempt loop stops at its next admission and the run fails or blocks
according to run.trip_action.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(v.GetString("run.listen_addr"))
			req := ipc.TripRequest{Actor: actor, Reason: reason}
			if err := c.post("/api/v1/run/trip", req, nil); err != nil {
				return err
			}
			fmt.Printf("Circuit tripped by %s\n", actor)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "who is deciding (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "why the run is stopped")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}
