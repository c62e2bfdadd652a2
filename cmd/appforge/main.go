// AppForge
//
// A conversational app builder. Describe an app in plain language and
// AppForge routes each message to the right action: clarify the target
// platform, generate a design image, write project files, or just chat.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "appforge",
	Short: "AppForge - conversational app builder",
	Long: `AppForge builds and evolves app projects from chat messages.

  appforge serve                              Start the server
  appforge create "My app"                    Create a project
  appforge run <id> "build me a todo app"     Send a message to a project
  appforge list                               List projects
  appforge status <id>                        Show a project's build state`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("APPFORGE_SERVER", "http://localhost:7110"), "AppForge server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
