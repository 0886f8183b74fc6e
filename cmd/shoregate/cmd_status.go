package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusServerURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running relay's health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusServerURL, "server", "http://localhost:8000", "relay base URL")
}

// healthResponse mirrors the relay's /health payload.
type healthResponse struct {
	Status      string `json:"status"`
	Connections struct {
		Devices int `json:"devices"`
		Clients int `json:"clients"`
	} `json:"connections"`
}

func runStatus() error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(statusServerURL + "/health")
	if err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	fmt.Printf("status:  %s\n", health.Status)
	fmt.Printf("devices: %d\n", health.Connections.Devices)
	fmt.Printf("clients: %d\n", health.Connections.Clients)
	return nil
}
