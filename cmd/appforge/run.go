package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create a new project",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCreate,
}

var runCmd = &cobra.Command{
	Use:   "run [project-id] [message]",
	Short: "Send a message to a project",
	Args:  cobra.ExactArgs(2),
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(runCmd)
}

func postJSON(path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: appforge serve", err)
	}
	return resp, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	title := ""
	if len(args) > 0 {
		title = args[0]
	}

	resp, err := postJSON("/api/projects", map[string]string{"title": title})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var project struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&project); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Created project %s (%s)\n", project.ID, project.Title)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	id, message := args[0], args[1]

	resp, err := postJSON("/api/projects/"+id+"/run", map[string]string{"message": message})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			if errResp.Code != "" {
				return fmt.Errorf("%s: %s", errResp.Code, errResp.Error)
			}
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Intent  string `json:"intent"`
		OK      bool   `json:"ok"`
		Reply   string `json:"reply"`
		Error   string `json:"error"`
		Built   bool   `json:"built"`
		Version int    `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("[%s] %s\n", result.Intent, result.Reply)
	if result.Built {
		fmt.Printf("Project built at version %d.\n", result.Version)
	}
	if !result.OK && result.Error != "" {
		fmt.Printf("(generation failed: %s)\n", result.Error)
	}
	return nil
}
