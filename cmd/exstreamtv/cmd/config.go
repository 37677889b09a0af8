package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/exstreamtv/exstreamtv/internal/config"
	"github.com/exstreamtv/exstreamtv/pkg/bytesize"
	"github.com/exstreamtv/exstreamtv/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing exstreamtv configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration as YAML, after merging the config
file, environment variables, and defaults. Secrets are masked.`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long:  `Load and validate the configuration, reporting errors by dotted key.`,
	RunE: runConfigValidate,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  exstreamtv config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, /etc/exstreamtv/config.yaml, $HOME/.exstreamtv)
  - Environment variables (EXSTREAMTV_SERVER_PORT, EXSTREAMTV_DATABASE_DSN, etc.)
  - Command-line flags (for some options)

Environment variables use the EXSTREAMTV_ prefix and underscores for nesting.
Example: server.port -> EXSTREAMTV_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

// toMap converts a struct to a map, formatting durations and sizes for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		// Get yaml tag or use lowercase field name
		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Tag.Get("yaml")
		}
		if key == "" {
			key = fieldType.Name
		}

		// Mask secrets the same way the logger does.
		if fieldType.Tag.Get("masq") == "secret" {
			if s, ok := field.Interface().(string); ok && s != "" {
				result[key] = "[REDACTED]"
			} else {
				result[key] = field.Interface()
			}
			continue
		}

		// Handle different types
		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(v)
		case bytesize.Size:
			result[key] = bytesize.Format(v)
		case int64:
			// Check if this looks like a byte size (field name contains "size")
			if contains(key, "size", "bytes") {
				result[key] = bytesize.Format(bytesize.Size(v))
			} else {
				result[key] = v
			}
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func contains(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) {
			for i := 0; i <= len(s)-len(sub); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	// Load config with defaults (no file, just defaults)
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Convert to map with human-readable values
	cfgMap := toMap(cfg)

	// Marshal to YAML
	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Print header with documentation
	fmt.Println("# exstreamtv Configuration File")
	fmt.Println("# ==============================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 30s, 5m, 1h, 30d")
	fmt.Println("# Size format: 5MB, 1GB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   EXSTREAMTV_SERVER_HOST, EXSTREAMTV_SERVER_PORT")
	fmt.Println("#   EXSTREAMTV_DATABASE_DRIVER, EXSTREAMTV_DATABASE_DSN")
	fmt.Println("#   EXSTREAMTV_STREAMING_POOL_MAX_PROCESSES")
	fmt.Println("#   EXSTREAMTV_LOGGING_LEVEL, EXSTREAMTV_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Print(string(yamlData))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Load validates; errors carry the offending dotted key.
	if _, err := config.Load(cfgFile); err != nil {
		return err
	}

	fmt.Println("configuration OK")
	return nil
}
