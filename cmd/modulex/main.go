package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	configFile string
	dataDir    string
	listen     string
	logLevel   string

	version = "v0.1.0" // Injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "modulex",
		Short:   "ModuleX - credential vault and execution dispatcher for third-party tool actions",
		Version: version,
		RunE:    runServer,
	}

	// Accept underscores in flag names for parity with config keys
	rootCmd.PersistentFlags().SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.modulex)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address (default :8000)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
