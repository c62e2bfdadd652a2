package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all projects",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/projects")
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: appforge serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var projects []struct {
		ID        string `json:"id"`
		Title     string `json:"title"`
		Built     bool   `json:"built"`
		Version   int    `json:"version"`
		UpdatedAt string `json:"updatedAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&projects); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(projects) == 0 {
		fmt.Println("No projects found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATE\tVERSION\tUPDATED")
	for _, p := range projects {
		state := "draft"
		if p.Built {
			state = "built"
		}
		title := p.Title
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.ID, title, state, p.Version, p.UpdatedAt)
	}
	return w.Flush()
}
