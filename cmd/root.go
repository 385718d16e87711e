package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/metraction/vidi/internal/builder"
	"github.com/metraction/vidi/internal/hub"
	"github.com/metraction/vidi/internal/logging"
	"github.com/metraction/vidi/internal/routing"
	"github.com/metraction/vidi/pkg/model"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfigFile = "./.vidi.yaml"

var cfgFile string
var config *model.Config = &model.Config{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vidi",
	Short: "Vidi dashboard server",
	Long: `Vidi stores experiment dashboards, compiles a WebAssembly renderer per dashboard
and streams live plot updates to connected viewers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		logging.SetFormat(config.Log.Format)
		ctx := context.WithValue(cmd.Context(), "config", config)
		cmd.SetContext(ctx)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.staticDir", "./static")
	v.SetDefault("server.tlsCert", "")
	v.SetDefault("server.tlsKey", "")
	v.SetDefault("database.driver", string(model.DatabaseDriverSqlite))
	v.SetDefault("database.dsn", "vidi.db")
	v.SetDefault("lifecycle.defaultTtl", 86400)
	v.SetDefault("lifecycle.cleanupInterval", routing.DefaultCleanupInterval.String())
	v.SetDefault("hub.channelCapacity", hub.DefaultChannelCapacity)
	v.SetDefault("build.enabled", true)
	v.SetDefault("build.workspace", "./renderer")
	v.SetDefault("build.templateDir", "./renderer/dashboard-template")
	v.SetDefault("build.templatePackage", "dashboard-template")
	v.SetDefault("build.targetDir", "target")
	v.SetDefault("build.workDir", "./work")
	v.SetDefault("build.artifactDir", "./wasm")
	v.SetDefault("build.maxConcurrent", 1)
	v.SetDefault("build.stageTimeout", builder.DefaultStageTimeout.String())
	v.SetDefault("build.compiler", "cargo")
	v.SetDefault("build.wasmTarget", "wasm32-unknown-unknown")
	v.SetDefault("build.bindgen", "wasm-bindgen")
	v.SetDefault("build.bindgenVersion", builder.DefaultBindgenConstraint)
	v.SetDefault("build.bindgenExpected", builder.DefaultBindgenExpected)
	v.SetDefault("build.optimizer", "wasm-opt")
}

// loadConfig reads defaults, the optional yaml file with ${ENV} substitution
// and VIDI_ prefixed environment variables, in increasing priority.
func loadConfig(path string, target *model.Config) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VIDI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file, err := os.Open(path)
	switch {
	case err == nil:
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.ReadConfig(strings.NewReader(os.ExpandEnv(string(content)))); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigFile:
		// the default file is optional
	default:
		return fmt.Errorf("open config: %w", err)
	}
	if err := v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config into struct: %w", err)
	}
	return nil
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return loadConfig(cfgFile, config)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigFile, "config file")
}
