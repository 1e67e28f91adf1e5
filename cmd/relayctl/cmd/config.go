package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validConfigKeys = map[string]bool{
	"server":      true,
	"timeout":     true,
	"json":        true,
	"pretty":      true,
	"provider":    true,
	"signing_key": true,
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage relayctl configuration",
	Long:  `Manage relayctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings. The signing key is masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		if outputJSON {
			printOutput(map[string]interface{}{
				"server":      viper.GetString("server"),
				"timeout":     viper.GetDuration("timeout").String(),
				"json":        viper.GetBool("json"),
				"pretty":      viper.GetBool("pretty"),
				"provider":    viper.GetString("provider"),
				"signing_key": maskSecret(signingKey),
			})
			return
		}

		fmt.Println("Current configuration:")
		fmt.Printf("  Server: %s\n", viper.GetString("server"))
		fmt.Printf("  Timeout: %s\n", viper.GetDuration("timeout"))
		fmt.Printf("  Provider: %s\n", viper.GetString("provider"))
		fmt.Printf("  Signing key: %s\n", maskSecret(signingKey))
		fmt.Printf("  JSON Output: %v\n", viper.GetBool("json"))
		fmt.Printf("  Pretty JSON: %v\n", viper.GetBool("pretty"))

		if viper.GetBool("pretty") && !checkJQAvailable() {
			fmt.Printf("  ⚠️  Warning: pretty=true but jq not found in PATH\n")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Printf("  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Println("  Config file: none (using defaults)")
		}
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  relayctl config set server localhost:3001
  relayctl config set timeout 60s
  relayctl config set provider dodo
  relayctl config set signing_key whsec_...`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := setConfigValue(key, value); err != nil {
			return err
		}

		configPath, err := defaultConfigPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		if key == "signing_key" {
			value = maskSecret(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		fmt.Printf("Configuration saved to: %s\n", configPath)
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := defaultConfigPath()
		if err != nil {
			return err
		}

		if _, err := os.Stat(configPath); err == nil {
			overwrite, _ := cmd.Flags().GetBool("force")
			if !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
			}
		}

		viper.Set("server", "localhost:3001")
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("pretty", false)
		viper.Set("provider", "dodo")

		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}

		fmt.Printf("Configuration file created: %s\n", configPath)
		fmt.Println("Default settings:")
		fmt.Println("  server: localhost:3001")
		fmt.Println("  timeout: 30s")
		fmt.Println("  provider: dodo")
		fmt.Println("  json: false")
		fmt.Println("  pretty: false")
		return nil
	},
}

// configCheckCmd represents the config check command
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and dependencies",
	Long:  `Check the current configuration, the signing key and relay connectivity.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Configuration check:")
		fmt.Printf("  ✅ relayctl version: %s\n", Version)

		if viper.ConfigFileUsed() != "" {
			fmt.Printf("  ✅ Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Printf("  ⚠️  Config file: not found (using defaults)\n")
		}
		if signingKey != "" {
			fmt.Printf("  ✅ Signing key: %s\n", maskSecret(signingKey))
		} else {
			fmt.Printf("  ❌ Signing key: not set, send and sign will fail\n")
		}
		if checkJQAvailable() {
			fmt.Printf("  ✅ jq: available\n")
		} else {
			fmt.Printf("  ⚠️  jq: not found in PATH\n")
		}
		fmt.Printf("  ✅ Server: %s\n", baseURL())

		fmt.Println("\nTesting relay connectivity...")
		resp, err := makeHTTPRequest(http.MethodGet, "/health", nil, nil)
		if err != nil {
			fmt.Printf("  ❌ Relay connectivity: %v\n", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Printf("  ✅ Relay connectivity: OK\n")
		} else {
			fmt.Printf("  ⚠️  Relay reachable but degraded (HTTP %d)\n", resp.StatusCode)
		}
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".relayctl.yaml"), nil
}

// setConfigValue validates and stores one key in viper
func setConfigValue(key, value string) error {
	if !validConfigKeys[key] {
		return fmt.Errorf("invalid configuration key: %s. Valid keys are: server, timeout, json, pretty, provider, signing_key", key)
	}

	switch key {
	case "json", "pretty":
		switch value {
		case "true", "1", "yes", "on":
			viper.Set(key, true)
		case "false", "0", "no", "off":
			viper.Set(key, false)
		default:
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
	case "timeout":
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeout: %s", value)
		}
		viper.Set(key, dur.String())
	default:
		viper.Set(key, value)
	}
	return nil
}

// maskSecret keeps only enough of a secret to recognise it
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 10 {
		return "****"
	}
	return s[:6] + "****" + s[len(s)-2:]
}
