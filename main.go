package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/config"
)

func newRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:           "taskboard",
		Short:         "Collaborative task board server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, json or toml); environment variables take precedence")

	load := func() (config.Config, *log.Logger, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return config.Config{}, nil, err
		}
		return cfg, newLogger(cfg), nil
	}
	root.AddCommand(
		newServeCmd(load),
		newInitStorageCmd(load),
		newUserCmd(load),
		newTokenCmd(load),
	)
	return root
}

type loader func() (config.Config, *log.Logger, error)

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Error("taskboard failed")
		os.Exit(1)
	}
}
