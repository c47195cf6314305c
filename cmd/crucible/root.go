package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rogers-f/crucible/internal/config"
	"github.com/rogers-f/crucible/internal/logging"
)

var (
	cfgFile string
	v       *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Crucible - phased, circuit-broken code generation",
	Long: `Crucible drives a code generation run through its protocol phases.

Each scheduled function is implemented by a tiered agent and checked by a
verifier. Repeated failures escalate to stronger tiers until the function is
declared defective; too many defects trip the circuit and stop the run.
Whenever the protocol needs a human, it blocks until an operator resolves it.

Example:
  crucible run --manifest functions.yaml
  crucible status
  crucible resolve accept_defects --actor alice`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, date)
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is crucible.yaml)")
	rootCmd.PersistentFlags().String("addr", "", "operator API address (overrides run.listen_addr)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(tripCmd())
	rootCmd.AddCommand(versionCmd())
}

func initConfig() {
	// Resolve config path: --config flag > CRUCIBLE_CONFIG env > auto-discover.
	path := cfgFile
	if path == "" {
		path = os.Getenv("CRUCIBLE_CONFIG")
	}
	if path == "" {
		path = discoverConfig()
	}

	var err error
	v, err = config.NewViper(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}
	_ = v.BindPFlag("run.listen_addr", rootCmd.PersistentFlags().Lookup("addr"))
}

// loadConfig validates the configuration read by initConfig.
func loadConfig() (*config.Config, error) {
	return config.Load(v)
}

// newLogger builds the root logger from the logging section. The returned
// func releases the log file, if any.
func newLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.File == "" {
		return logging.New(os.Stderr, level), func() {}, nil
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return logging.New(io.MultiWriter(os.Stderr, f), level), func() { f.Close() }, nil
}

// discoverConfig looks for crucible.yaml in the cwd, then next to the executable.
func discoverConfig() string {
	for _, name := range []string{"crucible.yaml", "crucible.yml", "crucible.json"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "crucible.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
