package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/mtcollector/internal/config"
	"github.com/sshcollectorpro/mtcollector/internal/database"
	"github.com/sshcollectorpro/mtcollector/internal/model"
	"github.com/sshcollectorpro/mtcollector/internal/service"
	"github.com/sshcollectorpro/mtcollector/internal/terminal"
	"github.com/sshcollectorpro/mtcollector/pkg/logger"
)

// 口令未通过参数给出时从环境变量读取
const (
	passwordEnv        = "MTCOLLECT_PASSWORD"
	gatewayPasswordEnv = "MTCOLLECT_GATEWAY_PASSWORD"
)

type collectOptions struct {
	targets         string
	username        string
	password        string
	port            int
	gateway         string
	gatewayUser     string
	gatewayPassword string
	gatewayPort     int
	workers         int
}

// NewCollectCommand collect 子命令
func NewCollectCommand() *cobra.Command {
	opts := &collectOptions{}
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "export the configuration of every target and store new captures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.runRequest()
			if err != nil {
				return err
			}
			cfg, err := setup()
			if err != nil {
				return err
			}
			fleet, store, err := openFleet(cfg, nil)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, runErr := fleet.Run(ctx, req)
			if report != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.targets, "targets", "t", "", "comma separated addresses, or a file with one address per line")
	f.StringVarP(&opts.username, "username", "u", "", "device login name")
	f.StringVarP(&opts.password, "password", "p", "", "device password (default $"+passwordEnv+")")
	f.IntVar(&opts.port, "port", 22, "device ssh port")
	f.StringVar(&opts.gateway, "gateway", "", "gateway address; all targets are reached through it")
	f.StringVar(&opts.gatewayUser, "gateway-user", "", "gateway login name")
	f.StringVar(&opts.gatewayPassword, "gateway-password", "", "gateway password (default $"+gatewayPasswordEnv+")")
	f.IntVar(&opts.gatewayPort, "gateway-port", 22, "gateway ssh port")
	f.IntVar(&opts.workers, "workers", 0, "parallel sessions (default collector.workers)")
	_ = cmd.MarkFlagRequired("targets")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func (o *collectOptions) runRequest() (service.RunRequest, error) {
	targets, err := model.ParseTargets(o.targets)
	if err != nil {
		return service.RunRequest{}, err
	}
	password := o.password
	if password == "" {
		password = os.Getenv(passwordEnv)
	}
	req := service.RunRequest{
		Targets:    targets,
		Credential: model.Credential{Username: o.username, Secret: model.Secret(password), Port: o.port},
		Workers:    o.workers,
	}
	if o.gateway != "" {
		if o.gatewayUser == "" {
			return service.RunRequest{}, fmt.Errorf("--gateway-user is required with --gateway")
		}
		gwPassword := o.gatewayPassword
		if gwPassword == "" {
			gwPassword = os.Getenv(gatewayPasswordEnv)
		}
		req.Gateway = &model.GatewayHop{
			Address:    o.gateway,
			Credential: model.Credential{Username: o.gatewayUser, Secret: model.Secret(gwPassword), Port: o.gatewayPort},
		}
	}
	return req, nil
}

// openFleet 打开存储并组装编排服务；库不存在时 store 为 nil，运行会返回 ErrStoreMissing
func openFleet(cfg *config.Config, reg prometheus.Registerer) (*service.FleetService, *database.CaptureStore, error) {
	var (
		opts     []service.Option
		storeArg service.Store
	)
	store, err := database.Open(cfg.Database.SQLite)
	switch {
	case err == nil:
		storeArg = store
	case errors.Is(err, database.ErrStoreMissing):
		logger.WithField("path", cfg.Database.SQLite.Path).Warn("capture store not found; run `mtcollect initdb` first")
		store = nil
	default:
		return nil, nil, err
	}

	archiver, err := service.NewArchiver(cfg.Archive)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, nil, err
	}
	if archiver != nil {
		opts = append(opts, service.WithArchiver(archiver))
	}
	tracker := terminal.NewTracker()
	opts = append(opts, service.WithTracker(tracker))
	if reg != nil {
		opts = append(opts, service.WithMetrics(service.NewMetrics(reg, tracker)))
	}

	fleet, err := service.NewFleetService(cfg, storeArg, opts...)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, nil, err
	}
	return fleet, store, nil
}
