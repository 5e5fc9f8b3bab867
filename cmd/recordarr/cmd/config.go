package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/recordarr/internal/config"
)

var configEffective bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing recordarr configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the configuration",
	Long: `Dump the default configuration values in YAML format.

Redirect the output to a file to create a configuration template:

  recordarr config dump > config.yaml

With --effective the loaded configuration (file, environment and defaults
merged) is printed instead.

Environment variables use the RECORDARR_ prefix and underscores for nesting.
Example: server.port -> RECORDARR_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configDumpCmd.Flags().BoolVar(&configEffective, "effective", false, "dump the loaded configuration instead of defaults")
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	var (
		cfg *config.Config
		err error
	)
	if configEffective {
		cfg, err = loadConfig()
	} else {
		v := viper.New()
		config.SetDefaults(v)
		cfg, err = config.FromViper(v)
	}
	if err != nil {
		return err
	}
	return dumpConfig(cmd.OutOrStdout(), cfg)
}

func dumpConfig(w io.Writer, cfg *config.Config) error {
	data, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# recordarr configuration")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Duration format: 30s, 5m, 1h")
	fmt.Fprintln(w, "# Environment overrides: RECORDARR_SERVER_PORT, RECORDARR_DATABASE_DSN, ...")
	fmt.Fprintln(w, "#")
	_, err = w.Write(data)
	return err
}

// toMap converts a config struct to a map keyed by mapstructure tags with
// durations rendered as strings.
func toMap(v any) map[string]any {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	result := make(map[string]any, val.NumField())
	for i := 0; i < val.NumField(); i++ {
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}
		result[key] = toValue(val.Field(i))
	}
	return result
}

func toValue(field reflect.Value) any {
	if d, ok := field.Interface().(time.Duration); ok {
		return d.String()
	}
	switch field.Kind() {
	case reflect.Struct:
		return toMap(field.Interface())
	case reflect.Slice:
		out := make([]any, 0, field.Len())
		for i := 0; i < field.Len(); i++ {
			out = append(out, toValue(field.Index(i)))
		}
		return out
	default:
		return field.Interface()
	}
}
