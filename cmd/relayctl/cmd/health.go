package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the relay and its backend",
	Long:  `Call the relay's /health endpoint, which also probes the internal backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest(http.MethodGet, "/health", nil, nil)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		out, err := decodeResponse(resp)
		if err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
			return nil
		}

		if resp.StatusCode == http.StatusOK {
			printSuccess(fmt.Sprintf("Relay is %v (version %v)", out["status"], out["version"]))
		} else {
			printFailure(fmt.Sprintf("Relay is %v (HTTP %d)", out["status"], resp.StatusCode))
		}
		if backend, ok := out["backend"].(map[string]interface{}); ok {
			if backend["ok"] == true {
				printSuccess(fmt.Sprintf("Backend reachable (%vms)", backend["latency_ms"]))
			} else {
				printFailure(fmt.Sprintf("Backend unreachable: %v", backend["error"]))
			}
		}
		return nil
	},
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay process status",
	Long:  `Show uptime, memory and pid as reported by the relay's /status endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest(http.MethodGet, "/status", nil, nil)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("HTTP error: %s", resp.Status)
		}
		out, err := decodeResponse(resp)
		if err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
			return nil
		}
		fmt.Printf("Service:    %v %v\n", out["service"], out["version"])
		fmt.Printf("PID:        %v\n", out["pid"])
		fmt.Printf("Uptime:     %.0fs\n", out["uptime_seconds"])
		fmt.Printf("Goroutines: %v\n", out["goroutines"])
		if mem, ok := out["memory"].(map[string]interface{}); ok {
			fmt.Printf("Heap:       %v bytes in use\n", mem["heap_inuse"])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statusCmd)
}
