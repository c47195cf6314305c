package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/ipc"
)

func statusCmd() *cobra.Command {
	var showFunctions bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(v.GetString("run.listen_addr"))

			var run ipc.RunView
			if err := c.get("/api/v1/run", &run); err != nil {
				return err
			}
			printRun(run)

			if !showFunctions {
				return nil
			}
			var fns []ipc.FunctionView
			if err := c.get("/api/v1/functions", &fns); err != nil {
				return err
			}
			fmt.Println()
			printFunctions(fns)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showFunctions, "functions", "f", false, "list every function")
	return cmd
}

func printRun(run ipc.RunView) {
	fmt.Printf("Run:    %s\n", run.RunID)
	fmt.Printf("State:  %s\n", stateLabel(run.Kind))
	phase := string(run.Phase)
	if run.Step != "" {
		phase += " / " + string(run.Step)
	}
	fmt.Printf("Phase:  %s\n", phase)
	fmt.Printf("Functions: %d (%d pending)\n", run.Functions, run.Pending)
	if run.Tripped {
		color.New(color.FgRed, color.Bold).Println("Circuit tripped")
	}
	switch run.Kind {
	case domain.KindBlocked:
		fmt.Println()
		color.New(color.FgYellow).Printf("⚠ %s\n", run.Query)
		fmt.Printf("  options: %s\n", strings.Join(run.Options, ", "))
	case domain.KindFailed:
		fmt.Println()
		color.New(color.FgRed).Printf("✗ %s\n", run.Error)
	}
}

func stateLabel(kind domain.StateKind) string {
	switch kind {
	case domain.KindActive:
		return color.New(color.FgHiGreen).Sprint("active")
	case domain.KindBlocked:
		return color.New(color.FgYellow).Sprint("blocked")
	case domain.KindFailed:
		return color.New(color.FgRed).Sprint("failed")
	default:
		return string(kind)
	}
}

func printFunctions(fns []ipc.FunctionView) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FUNCTION\tMODULE\tSTATUS\tTIER\tATTEMPTS\tLAST FAILURE")
	for _, f := range fns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", f.ID, f.Module, statusLabel(f.Status), f.Tier, f.Attempts, f.LastCategory)
	}
	w.Flush()
}

func statusLabel(s domain.FunctionStatus) string {
	switch s {
	case domain.FunctionSucceeded:
		return color.New(color.FgHiGreen).Sprint(s)
	case domain.FunctionDefective:
		return color.New(color.FgRed).Sprint(s)
	case domain.FunctionEscalated:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return string(s)
	}
}
