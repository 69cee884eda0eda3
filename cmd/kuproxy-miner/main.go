package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	clientapp "github.com/JellyTony/kuproxy/client/app"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/spf13/cobra"
)

var (
	addr string
	opts clientapp.Options
)

func run(cmd *cobra.Command, args []string) error {
	_ = logger.Init(logger.Settings{Format: "json"})
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	c, err := clientapp.Connect(ctx, addr, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	err = c.Run(ctx)
	acc, rej := c.Shares()
	logger.WithFields(logger.Fields{"accepted": acc, "rejected": rej}).Info("miner stopped")
	return err
}

func main() {
	root := &cobra.Command{
		Use:   "kuproxy-miner",
		Short: "Test miner submitting random shares to a stratum proxy",
		RunE:  run,
	}
	root.Flags().StringVarP(&addr, "addr", "a", "localhost:3333", "Proxy address.")
	root.Flags().StringVarP(&opts.Username, "username", "u", "admin", "Worker name.")
	root.Flags().StringVarP(&opts.Password, "password", "p", "x", "Worker password.")
	root.Flags().Float64VarP(&opts.SubmitRate, "rate", "r", 1, "Shares submitted per second.")
	root.Flags().BoolVar(&opts.ExtranonceSubscribe, "extranonce-subscribe", false, "Accept extranonce changes.")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
