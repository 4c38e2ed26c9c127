// Package main is the entry point for the jail server.
// It only handles dependency injection and server initialization.
// NO business logic belongs here.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MRamiBalles/devjails/internal/platform/config"
	"github.com/MRamiBalles/devjails/internal/platform/logger"
)

var (
	configPath string
	jsonOutput bool
	rootCmd    = &cobra.Command{
		Use:   "jail-server",
		Short: "devjails - jail, sentence and escape control server",
		Long: `jail-server keeps the authoritative state of jails, areas and prisoners.
A host pushes subject presence and movement over HTTP; the server detects
escapes, expires sentences by online time and persists every change.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration (default $JAIL_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// loadConfig resolves the config path from the flag or JAIL_CONFIG.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("JAIL_CONFIG")
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) *logger.Logger {
	log := logger.New(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(log.Slog())
	return log
}

// outputJSON prints v as indented JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}
