package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/eyeswatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration a watch would run with, after merging flags,
EYESWATCH_* environment variables and the config file. The API key is
left out, so the output is a valid config file that still needs one from
--api-key or EYESWATCH_API_KEY.

Examples:
  eyeswatch config
  eyeswatch config --format toml --tests 2 > eyeswatch.toml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadViper(cmd)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")

		cfg := config.Decode(v)
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
		}
		return dumpConfig(cmd.OutOrStdout(), cfg.Redacted(), format)
	},
}

func init() {
	configCmd.Flags().String("format", "yaml", "output format: yaml or toml")
	rootCmd.AddCommand(configCmd)
}

var errUnknownFormat = errors.New("unknown format")

func dumpConfig(w io.Writer, cfg config.Config, format string) error {
	file := cfg.File()

	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(file); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(file); err != nil {
			return fmt.Errorf("encoding toml: %w", err)
		}
		_, err := w.Write(buf.Bytes())
		return err
	default:
		return &config.Error{Key: "format", Msg: fmt.Sprintf("%v %q", errUnknownFormat, format)}
	}
}
