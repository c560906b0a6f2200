// Package commands implements the volpatch command line.
package commands

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"volpatch/internal/logger"
	"volpatch/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "volpatch",
	Short: "Patch-based sampling and reconstruction of 3D volumes",
	Long: `volpatch extracts fixed-size 3D patches from volumetric images for
patch-based training, and reassembles patch-wise predictions into a full
volume.

Subjects are read from a dataset root holding one directory per subject and
one JPEG slice stack per channel.

Use "volpatch [command] --help" for more information about a command.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "volpatch.yaml", "config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(synthCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(inferCmd)
}

// loadConfig reads the config file named by --config, falling back to
// defaults when it does not exist.
func loadConfig() (*config.Config, error) {
	return config.LoadConfig(cfgFile)
}

// newLogger builds the command logger from the output section. The closer
// must be closed when the command returns.
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	return logger.New(cfg.Logger())
}
