package main

import (
	"fmt"
	"os"

	"filerelay/pkg/config"
	"filerelay/pkg/metastore"
	"filerelay/pkg/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const version = "0.3.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "filerelay",
		Short: "Personal file relay service",
		Long: `A personal file-relay service: users send files, the service stores
them per user, hands out stable download links, and can bundle a
user's files into a split archive.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		listCmd(),
		packCmd(),
		rmCmd(),
		usageCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if verbose {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

// buildCore wires config, metadata store and storage service for a
// command invocation.
func buildCore() (*config.Config, *storage.Service, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger()
	store := metastore.Open(cfg.MetadataPath, logger)
	svc := storage.New(cfg.StorageRoot, cfg.PublicDomain, store, logger)
	return cfg, svc, logger, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("filerelay %s\n", version)
		},
	}
}
