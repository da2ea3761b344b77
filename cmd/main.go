package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arbiter-oj/arbiter/internal/bus"
	"github.com/arbiter-oj/arbiter/internal/config"
	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/server"
)

func main() {
	root := &cobra.Command{
		Use:           "arbiter",
		Short:         "Judging coordination service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configFile string
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file, defaults to $CONFIG_PATH")

	root.AddCommand(serveCmd(&configFile), tailCmd(&configFile))

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(*configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

			s, err := server.Init(c)
			if err != nil {
				return fmt.Errorf("init server: %w", err)
			}

			go s.Start()

			<-shutdown
			s.Shutdown()
			return nil
		},
	}
}

// tailCmd follows the fanout channel and prints events, one per line.
// Handy when debugging why a scoreboard is not moving.
func tailCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tail [key ...]",
		Short: "Follow events on the fanout bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(*configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			keys := args
			if len(keys) == 0 {
				keys = []string{
					domain.EventKeyRecordChange,
					domain.EventKeyBalloonChange,
					domain.EventKeyProblemDataChange,
				}
			}

			b, err := connectBus(c)
			if err != nil {
				return err
			}
			defer b.Stop()

			sub := b.Subscribe(func(ctx context.Context, e bus.Event) error {
				fmt.Printf("%s\t%s\n", e.Key, e.Value)
				return nil
			}, keys...)
			defer b.Unsubscribe(sub)

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)
			<-shutdown
			return nil
		},
	}
}

func connectBus(c server.Config) (*bus.Bus, error) {
	r, err := server.ConnectRedis(c.Redis.Bus.Addrs, c.Redis.Bus.Pass)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return bus.New(bus.Config{
		Redis:   r,
		Channel: c.Redis.Bus.Channel,
	}), nil
}

func loadConfig(file string) (server.Config, error) {
	var c server.Config

	if file == "" {
		file = os.Getenv("CONFIG_PATH")
	}
	if file == "" {
		return c, fmt.Errorf("no config file, pass --config or set CONFIG_PATH")
	}

	if err := config.Load(file, &c); err != nil {
		return c, err
	}

	return c, nil
}
