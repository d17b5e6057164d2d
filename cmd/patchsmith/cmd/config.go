package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/patchsmith/patchsmith/configs"
	"github.com/patchsmith/patchsmith/internal/config"
	"github.com/patchsmith/patchsmith/internal/output"
)

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
		Long: `Manage the YAML configuration file.

Configuration precedence (lowest to highest):
  1. Built-in defaults
  2. Config file (--config, default patchsmith.yaml)
  3. Environment variables (PATCHSMITH_*)`,
		Example: `  # Write an annotated template to patchsmith.yaml
  patchsmith config init

  # Show the effective configuration with secrets redacted
  patchsmith config show`,
	}

	cmd.AddCommand(newConfigInitCmd(configPath))
	cmd.AddCommand(newConfigShowCmd(configPath))
	cmd.AddCommand(newConfigPathCmd(configPath))

	return cmd
}

func newConfigInitCmd(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file from the template",
		Long: `Create a configuration file from the embedded template. The template
documents every setting with its default value. Secrets belong in the
environment, not in the file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigInit(cmd, resolveConfigPath(*configPath), force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration file")

	return cmd
}

func newConfigShowCmd(configPath *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Show the configuration after merging defaults, the config file, and
environment variables. Secret values are replaced with a placeholder.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd, *configPath, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newConfigPathCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath(*configPath))
			return nil
		},
	}
}

func runConfigInit(cmd *cobra.Command, path string, force bool) error {
	out := output.New(cmd.OutOrStdout())

	if _, err := os.Stat(path); err == nil && !force {
		out.Warningf("Configuration already exists: %s", path)
		out.Info("Use --force to overwrite it with the template")
		return nil
	}

	if err := os.WriteFile(path, []byte(configs.ExampleConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out.Successf("Created %s", path)
	out.Info("Edit the file, then run 'patchsmith config show' to verify")
	return nil
}

func runConfigShow(cmd *cobra.Command, configPath string, jsonOutput bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	view := scrubbed(cfg)

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return err
	}
	return enc.Close()
}

// resolveConfigPath applies the default file name when --config was not
// given.
func resolveConfigPath(configPath string) string {
	if configPath == "" {
		return defaultConfigFile
	}
	return configPath
}

// scrubbed copies the config with secret values masked for display.
func scrubbed(cfg *config.Config) config.Config {
	c := *cfg
	c.Redis.Password = redact(c.Redis.Password)
	c.LLM.APIKey = redact(c.LLM.APIKey)
	c.Embeddings.APIKey = redact(c.Embeddings.APIKey)
	c.GitHub.PrivateKey = redact(c.GitHub.PrivateKey)
	c.GitHub.WebhookSecret = redact(c.GitHub.WebhookSecret)
	return c
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return "[redacted]"
}
