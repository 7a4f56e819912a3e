package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"buddy/internal/gateway"
)

var (
	statusAPIAddr string
	statusVerbose bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, path, err := loadConfiguration()
		if err != nil {
			cmd.Printf("⚠ Warning: Could not load configuration: %v\n", err)
			cmd.Printf("Using default settings\n\n")
			config = gateway.NewDefaultConfig()
		}
		if statusAPIAddr != "" {
			config.Server.API.Address = statusAPIAddr
		}

		apiAddr := config.Server.API.Address
		if !strings.HasPrefix(apiAddr, "http://") && !strings.HasPrefix(apiAddr, "https://") {
			apiAddr = "http://localhost" + apiAddr
		}

		client := &http.Client{Timeout: 5 * time.Second}
		statusResp, statusErr := makeHTTPRequest(client, apiAddr+"/api/v1/status")

		if statusVerbose {
			result := map[string]interface{}{
				"online":      statusErr == nil,
				"config_file": path,
				"api_address": apiAddr,
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
			}
			if statusErr != nil {
				result["status_error"] = statusErr.Error()
			} else {
				result["status"] = statusResp
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		}

		if statusErr != nil {
			cmd.Printf("Broker Status: ✗ OFFLINE\n")
			cmd.Printf("Connection Error: %v\n", statusErr)
			return nil
		}

		cmd.Printf("Broker Status: ✓ RUNNING\n")
		cmd.Printf("API Address: %s\n", apiAddr)
		cmd.Printf("Configuration: %s\n", path)
		if version, ok := statusResp["version"].(string); ok {
			cmd.Printf("Version: %s\n", version)
		}
		if uptime, ok := statusResp["uptime"].(string); ok {
			cmd.Printf("Uptime: %s\n", uptime)
		}
		if broker, ok := statusResp["broker"].(map[string]interface{}); ok {
			for _, field := range []struct{ key, label string }{
				{"online_users", "Online Users"},
				{"connections", "Connections"},
				{"pending_gates", "Pending Gates"},
				{"queued_events", "Queued Events"},
			} {
				if v, ok := broker[field.key].(float64); ok {
					cmd.Printf("%s: %.0f\n", field.label, v)
				}
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAPIAddr, "addr", "", "API address of the running broker")
	statusCmd.Flags().BoolVar(&statusVerbose, "json", false, "print the raw status as JSON")
}

// makeHTTPRequest makes an HTTP GET request and returns the decoded JSON body
func makeHTTPRequest(client *http.Client, url string) (map[string]interface{}, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result, nil
}
