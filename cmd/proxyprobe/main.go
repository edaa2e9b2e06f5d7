package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"proxyprobe/internal/platform"
	"proxyprobe/internal/shared/config"
	"proxyprobe/internal/shared/logger"
	"proxyprobe/internal/shared/types"
)

// globals 由根命令在 PersistentPreRunE 中填充
type globals struct {
	configFile string
	logLevel   string
	cfg        *types.Config
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "proxyprobe",
		Short:         "Check HTTP and SOCKS5 proxies, keep a validated proxy pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config file '%s': %w", g.configFile, err)
			}
			if g.logLevel != "" {
				cfg.LogConf.Level = g.logLevel
			}
			if err := logger.Init(cfg.LogConf); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			g.cfg = cfg
			key := platform.Detect()
			logger.Debug().Str("platform", key.String()).Str("config", g.configFile).Msg("proxyprobe starting")
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "path to proxyprobe.ini (defaults are used when empty)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override [log] level")

	root.AddCommand(
		newCheckCommand(g),
		newBatchCommand(g),
		newServeCommand(g),
		newArchiveCommand(g),
		newDownloadCommand(g),
		newKillCommand(g),
		newForegroundCommand(g),
		newPlatformCommand(g),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
