package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/JellyTony/kuproxy/app/admin"
	"github.com/JellyTony/kuproxy/app/server"
	"github.com/JellyTony/kuproxy/app/strategy"
	"github.com/JellyTony/kuproxy/config"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/spf13/cobra"
)

const version = "v0.1.0"

var (
	configPath  string
	listen      []string
	adminListen string
	strategyArg string
	logLevel    string
)

func main() {
	root := &cobra.Command{
		Use:   "kuproxy",
		Short: "Stratum mining proxy " + version,
		Long:  "kuproxy multiplexes stratum miners onto a set of upstream pools.",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		RunE:  runServe,
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "kuproxy.toml", "Path to the TOML configuration file.")
	serve.Flags().StringSliceVarP(&listen, "listen", "l", nil, "Stratum listen addresses, prefix with ws:// for WebSocket.")
	serve.Flags().StringVar(&adminListen, "admin-listen", "", "Address of the administration API.")
	serve.Flags().StringVarP(&strategyArg, "strategy", "s", "", "Initial pool switching strategy.")
	serve.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error.")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "strategies",
		Short: "List the pool switching strategies",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range strategy.Names() {
				fmt.Println(name)
			}
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("kuproxy " + version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyFlags overrides the loaded configuration with the flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.Listen = cfg.Listen[:0]
		for _, addr := range listen {
			l := config.Listen{Address: addr}
			if strings.HasPrefix(addr, "ws://") {
				l = config.Listen{Address: strings.TrimPrefix(addr, "ws://"), WebSocket: true}
			}
			cfg.Listen = append(cfg.Listen, l)
		}
	}
	if cmd.Flags().Changed("admin-listen") {
		cfg.AdminListen = adminListen
	}
	if cmd.Flags().Changed("strategy") {
		cfg.Proxy.Strategy = strategyArg
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logger.Init(logger.Settings{
		Format:       cfg.Log.Format,
		Level:        cfg.Log.Level,
		Filename:     cfg.Log.File,
		RotationTime: cfg.LogRotationTime(),
		MaxAge:       cfg.LogMaxAge(),
	}); err != nil {
		return err
	}
	logger.WithField("config", cfg.String()).Info("configuration loaded")

	app, err := server.Build(cfg)
	if err != nil {
		return err
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	if err := app.Start(rootCtx); err != nil {
		return err
	}

	var httpSrv *http.Server
	if cfg.AdminListen != "" {
		httpSrv = &http.Server{
			Addr:              cfg.AdminListen,
			Handler:           admin.New(app.Instance(), app.Store(), app.StartedAt()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("admin server stopped")
			}
		}()
		logger.WithField("addr", cfg.AdminListen).Info("admin api listening")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(ctx)
	}
	err = app.Shutdown(ctx)
	st := app.Status()
	logger.WithFields(logger.Fields{
		"workers_closed": st.WorkersClosed,
		"mq_pending":     st.MQPending,
		"duration":       st.Duration.String(),
	}).Info("proxy stopped")
	return err
}
