// Package cmd implements the trainjobs command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/trainjobs/internal/config"
	"github.com/3leaps/trainjobs/internal/observability"
	"github.com/3leaps/trainjobs/internal/server/handlers"
)

const binaryName = "trainjobs"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile   string
	verbose   bool
	readOnly  bool
	storePath string
)

var rootCmd = &cobra.Command{
	Use:   binaryName,
	Short: "Submit, run and track model training jobs",
	Long: `trainjobs keeps a durable table of training jobs, runs them as child
processes (or simulates them when no runner is configured) and serves
their status, logs and history over HTTP.

Examples:
  trainjobs serve
  trainjobs jobs submit --run-id exp-42
  trainjobs jobs list --match 'exp-*' --output yaml
  trainjobs jobs run --run-id smoke --mode real`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			if err := os.Setenv(config.EnvPrefix+"_CONFIG", cfgFile); err != nil {
				return err
			}
		}
		observability.InitCLILogger(binaryName, verbose)
		return nil
	},
}

func init() {
	setDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $XDG_CONFIG_HOME/trainjobs/trainjobs.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "readonly", false, "Refuse commands that submit or cancel jobs")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "Override the job table path (store.path)")

	_ = viper.BindPFlag("readonly", rootCmd.PersistentFlags().Lookup("readonly"))
	_ = viper.BindEnv("readonly", config.EnvPrefix+"_READONLY")
}

// setDefaults mirrors the config defaults onto the global viper so
// commands that only need one value can read it without a full Load.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo records build metadata for `version` and GET /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// IsReadOnly reports whether --readonly or TRAINJOBS_READONLY is set.
func IsReadOnly() bool {
	return readOnly || viper.GetBool("readonly")
}

// loadConfig resolves configuration with flag overrides applied on top.
func loadConfig(ctx context.Context, overrides map[string]any) (*config.Config, error) {
	if overrides == nil {
		overrides = map[string]any{}
	}
	if p := strings.TrimSpace(storePath); p != "" {
		overrides["store.path"] = p
	}
	return config.Load(ctx, overrides)
}

// cliError carries the process exit code alongside the message.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(strings.ToLower(message))
	}
	return &cliError{code: code, message: message, err: err}
}

// ExitCode extracts the exit code carried by err; 1 for other errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}
