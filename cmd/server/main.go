package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ErinCastro/CHATAPP/pkg/server"
)

func main() {
	configPath := pflag.StringP("config", "c", "~/.chatapp/config.toml", "path to TOML config file")
	port := pflag.IntP("port", "p", 0, "TCP port to listen on (overrides config)")
	dataDir := pflag.StringP("data-dir", "d", "", "data directory (overrides config)")
	metricsPort := pflag.Int("metrics-port", -1, "Prometheus metrics port, 0 disables (overrides config)")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dataDir != "" {
		cfg.Server.DataDir = *dataDir
	}
	if *metricsPort >= 0 {
		cfg.Server.MetricsPort = *metricsPort
	}

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init server: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start server: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	srv.Shutdown()
}
