package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"volpatch/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a default configuration file",
	Long: `Write a configuration file with default values.

Examples:
  # Create volpatch.yaml in the current directory
  volpatch init-config

  # Create it elsewhere, replacing any existing file
  volpatch init-config --config /etc/volpatch.yaml --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgFile); err == nil && !initForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", cfgFile)
	}

	if err := config.CreateDefaultConfigFile(cfgFile); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	cmd.Printf("Configuration file created at: %s\n", cfgFile)
	cmd.Println("\nNext steps:")
	cmd.Println("  1. Point dataset.root at a directory of subjects")
	cmd.Println("  2. Drain patches with: volpatch train")
	cmd.Println("  3. Reassemble a subject with: volpatch infer --subject <id>")
	return nil
}
