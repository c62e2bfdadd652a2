package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "Show a project's build state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	id := args[0]

	resp, err := http.Get(serverURL + "/api/projects/" + id + "/summary")
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var summary struct {
		Title        string   `json:"title"`
		Built        bool     `json:"built"`
		Version      int      `json:"version"`
		Platform     string   `json:"platform"`
		Framework    string   `json:"framework"`
		AppName      string   `json:"appName"`
		OneLiner     string   `json:"oneLiner"`
		CoreFeatures []string `json:"coreFeatures"`
		FileCount    int      `json:"fileCount"`
		LastBuildAt  string   `json:"lastBuildAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Project:   %s\n", summary.Title)
	if summary.AppName != "" {
		fmt.Printf("App:       %s\n", summary.AppName)
	}
	if summary.OneLiner != "" {
		fmt.Printf("About:     %s\n", summary.OneLiner)
	}
	if summary.Platform != "" {
		fmt.Printf("Platform:  %s (%s)\n", summary.Platform, summary.Framework)
	}
	state := "draft, nothing built yet"
	if summary.Built {
		state = fmt.Sprintf("built, version %d", summary.Version)
	}
	fmt.Printf("State:     %s\n", state)
	fmt.Printf("Files:     %d\n", summary.FileCount)
	if len(summary.CoreFeatures) > 0 {
		fmt.Printf("Features:  %s\n", strings.Join(summary.CoreFeatures, ", "))
	}
	if summary.LastBuildAt != "" {
		fmt.Printf("Last build: %s\n", summary.LastBuildAt)
	}
	return nil
}
