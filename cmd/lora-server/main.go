// lora-server runs the network server: gateway listener, join and uplink
// pipelines, downlink scheduler, Snap MQTT engine, and Event Bus wiring.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/snapemu/lora-server/internal/config"
	"github.com/snapemu/lora-server/internal/engine"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "lora-server",
		Short: "LoRaWAN network server",
		Long:  "Network server for LoRaWAN and Snap-protocol devices: join/uplink handling, downlink scheduling, and decode dispatch.",
	}

	runCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the network server",
		RunE:  runServer,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("lora-server v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/lora-server/config.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	eng, err := engine.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig).Info("received shutdown signal")
		cancel()
	}()

	log.WithField("region", cfg.LoRaWAN.Region).Info("starting lora-server")
	if err := eng.Start(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("engine stopped with error: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}
