package main

import (
	"os"

	"bklv/p2p-share/pkg/config"
	"bklv/p2p-share/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logDir     string
	logLevel   string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "p2pshare",
	Short: "P2P file sharing with a central registry",
	Long: `A peer-to-peer file sharing system. A central registry keeps track of
which host shares which file; files move directly between peers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if cmd.Flags().Changed("log-dir") {
			cfg.Log.Dir = logDir
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		return logger.Setup(cfg.Log.Dir, cfg.Log.Level)
	},
}

func Execute() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Write logs to this directory instead of stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}
