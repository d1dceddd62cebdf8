package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

var (
	version string
	commit  string
	date    string

	serverURL  string
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tailor",
	Short: "Tailor - staged resume pipeline coordinator",
	Long: `Tailor runs a multi-stage resume pipeline per session, pausing at
human approval gates and streaming progress to one interactive client.

Run 'tailor serve' to start the coordinator, then drive sessions with
start, respond, amend, abort and watch.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	server := os.Getenv("TAILOR_SERVER")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", server, "Coordinator base URL (env TAILOR_SERVER)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to tailor.yml (default ./tailor.yml)")
}
