package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/metraction/vidi/internal/builder"
	"github.com/metraction/vidi/internal/logging"
	"github.com/metraction/vidi/pkg/model"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var toolchainCmd = &cobra.Command{
	Use:   "toolchain",
	Short: "Checks the renderer build toolchain",
	Long:  `Checks compiler, wasm target, binding generator and optimizer and prints the result as yaml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		currentConfig := cmd.Context().Value("config").(*model.Config)
		pipeline := builder.NewPipeline(context.Background(), &currentConfig.Build, nil, builder.ExecRunner{},
			logging.NewLogger(currentConfig.Log.Level, "component", "Toolchain"))
		report, verifyErr := pipeline.VerifyToolchain(cmd.Context())
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		if err := encoder.Encode(report); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		return verifyErr
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Prints the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		currentConfig := cmd.Context().Value("config").(*model.Config)
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(currentConfig)
	},
}

func init() {
	rootCmd.AddCommand(toolchainCmd)
	rootCmd.AddCommand(configCmd)
}
