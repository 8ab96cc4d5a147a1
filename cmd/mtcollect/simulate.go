package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/mtcollector/pkg/logger"
	"github.com/sshcollectorpro/mtcollector/simulate"
)

// NewSimulateCommand simulate 子命令：启动模拟的 RouterOS 设备与网关
func NewSimulateCommand() *cobra.Command {
	var simPath string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "serve emulated RouterOS devices and gateways over SSH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := setup(); err != nil {
				return err
			}
			sc, err := simulate.LoadConfig(simPath)
			if err != nil {
				return err
			}
			mgr, err := simulate.Start(sc)
			if err != nil {
				return err
			}
			defer mgr.Stop()

			for ns := range sc.Namespace {
				if host, port, ok := mgr.Addr(ns); ok {
					logger.WithFields(logrus.Fields{"namespace": ns, "host": host, "port": port}).Info("Simulate: listening")
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			logger.Info("Simulate: shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&simPath, "sim-config", "simulate/simulate.yaml", "path to simulate.yaml")
	return cmd
}
