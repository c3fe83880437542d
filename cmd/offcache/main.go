package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "offcache",
	Short: "Cache-first offline proxy for the lab site",
	Long: `offcache sits in front of the lab site and keeps two versioned caches:
a static bucket pre-populated from a manifest at install time and a dynamic
bucket filled lazily. Cached responses are served without touching the
network; when the origin is unreachable, navigations fall back to the cached
root document.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("OFFCACHE_CONFIG", "offcache.yaml"), "path to offcache.yaml")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return config.Build()
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
