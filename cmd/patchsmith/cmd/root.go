// Package cmd provides the CLI commands for the patchsmith service.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patchsmith/patchsmith/internal/config"
	"github.com/patchsmith/patchsmith/internal/profiling"
	"github.com/patchsmith/patchsmith/pkg/version"
)

// defaultConfigFile is read when --config is not given. A missing file
// falls back to defaults plus environment overrides.
const defaultConfigFile = "patchsmith.yaml"

// NewRootCmd creates the root command for the patchsmith CLI.
func NewRootCmd() *cobra.Command {
	var (
		configPath   string
		profileCPU   string
		profileMem   string
		profileTrace string
	)

	profiler := profiling.NewProfiler()
	var profileStops []func()

	cmd := &cobra.Command{
		Use:   "patchsmith",
		Short: "Webhook-driven repository indexing and AI code modification",
		Long: `Patchsmith indexes GitHub repositories for hybrid (BM25 + vector)
retrieval and turns natural-language tasks into validated pull
requests through a generate-validate loop.

Run 'patchsmith serve' to start the HTTP API together with the queue
workers, or 'patchsmith worker' for a worker-only process. One-off
indexing from the command line goes through 'patchsmith index'.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("patchsmith version {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config file")
	cmd.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileMem, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileTrace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		if profileCPU != "" {
			stopCPU, err := profiler.StartCPU(profileCPU)
			if err != nil {
				return fmt.Errorf("failed to start CPU profile: %w", err)
			}
			profileStops = append(profileStops, stopCPU)
		}
		if profileTrace != "" {
			stopTrace, err := profiler.StartTrace(profileTrace)
			if err != nil {
				for _, stop := range profileStops {
					stop()
				}
				profileStops = nil
				return fmt.Errorf("failed to start trace: %w", err)
			}
			profileStops = append(profileStops, stopTrace)
		}
		return nil
	}
	cmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		for _, stop := range profileStops {
			stop()
		}
		profileStops = nil
		if profileMem != "" {
			if err := profiler.WriteHeap(profileMem); err != nil {
				return fmt.Errorf("failed to write memory profile: %w", err)
			}
		}
		return nil
	}

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newWorkerCmd(&configPath))
	cmd.AddCommand(newIndexCmd(&configPath))
	cmd.AddCommand(newConfigCmd(&configPath))
	cmd.AddCommand(newLogsCmd(&configPath))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		cmd.PrintErrln("Error:", err)
		return err
	}
	return nil
}

// loadConfig resolves the configuration for a command invocation.
func loadConfig(configPath string) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = defaultConfigFile
	}
	return config.Load(path)
}
