package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the toolmesh runtime.
var rootCmd = &cobra.Command{
	Use:   "toolmesh",
	Short: "Run a toolmesh runtime node",
	Long: `toolmesh joins this process to a shared tool control plane over a
message bus. A runtime can host MCP tool servers, expose the workspace
tool catalog to an agent client, or both, depending on its configured
capabilities.`,
	// SilenceUsage prevents Cobra from printing the usage message on
	// errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from main to
// inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the build version.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the entry point for the CLI. It runs the root command and
// exits non-zero on error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "toolmesh version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
