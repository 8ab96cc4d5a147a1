package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/mtcollector/internal/config"
	"github.com/sshcollectorpro/mtcollector/internal/service"
	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

// 进程退出码
const (
	exitOK           = 0
	exitError        = 1
	exitStoreMissing = 2
	exitGatewayFatal = 3
	exitUnrecognized = 4
)

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mtcollect",
		Short:         "collect MikroTik RouterOS configuration exports over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: search ./configs)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	rootCmd.AddCommand(
		NewCollectCommand(),
		NewServeCommand(),
		NewInitDBCommand(),
		NewRecordsCommand(),
		NewSimulateCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mtcollect:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode 不可恢复的情况各自对应独立的退出码
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, service.ErrStoreMissing):
		return exitStoreMissing
	case errors.Is(err, service.ErrGatewayFatal):
		return exitGatewayFatal
	case errors.Is(err, service.ErrUnrecognizedTranscript):
		return exitUnrecognized
	default:
		return exitError
	}
}

// setup 加载配置并初始化日志
func setup() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := logger.Init(logConfig(cfg)); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func logConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}
}
