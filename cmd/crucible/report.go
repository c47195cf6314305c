package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/report"
	"github.com/rogers-f/crucible/internal/store"
)

func reportCmd() *cobra.Command {
	var (
		format  string
		offline bool
		runID   string
		module  string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the structural defect report",
		Long: `Print the structural defect report of a run.

By default the report is fetched from the running protocol. With --offline it
is read from the run journal in run.db_path, which also works after the run
has ended.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r := report.New(cfg.CostTable())

			if module != "" {
				var sum domain.ModuleSummary
				if err := newAPIClient(cfg.Run.ListenAddr).get("/api/v1/modules/"+module, &sum); err != nil {
					return err
				}
				return r.Module(os.Stdout, sum)
			}

			var rep domain.StructuralDefectReport
			if offline {
				rep, err = loadReport(cmd.Context(), cfg.Run.DBPath, runID)
			} else {
				err = newAPIClient(cfg.Run.ListenAddr).get("/api/v1/report", &rep)
			}
			if err != nil {
				return err
			}

			switch format {
			case "text":
				return r.Text(os.Stdout, rep)
			case "yaml":
				return r.YAML(os.Stdout, rep)
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			default:
				return fmt.Errorf("unknown format %q (want text, yaml or json)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "text", "output format: text, yaml or json")
	cmd.Flags().BoolVar(&offline, "offline", false, "read the report from the run journal")
	cmd.Flags().StringVar(&runID, "run", "", "run to report with --offline (default: latest)")
	cmd.Flags().StringVarP(&module, "module", "m", "", "summarize one module instead")

	return cmd
}

// loadReport reads the newest stored report of runID, or of the latest run.
func loadReport(ctx context.Context, dbPath, runID string) (domain.StructuralDefectReport, error) {
	var rep domain.StructuralDefectReport

	db, err := store.NewDB(dbPath)
	if err != nil {
		return rep, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if runID == "" {
		run, err := (&store.RunRepo{}).Latest(ctx, db)
		if err != nil {
			return rep, err
		}
		runID = run.RunID
	}
	rec, err := (&store.ReportRepo{}).GetLatest(ctx, db, runID)
	if err != nil {
		return rep, err
	}
	if rec == nil {
		return rep, fmt.Errorf("run %s has no stored report", runID)
	}
	if err := json.Unmarshal([]byte(rec.ReportJSON), &rep); err != nil {
		return rep, fmt.Errorf("decode stored report: %w", err)
	}
	return rep, nil
}
