package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robinmta/robin"
)

func main() {
	configPath := flag.String("config", "server.yaml", "path to server configuration")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	config, err := robin.LoadServerConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	config.Logger = logger

	server, err := robin.NewServer(config)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		logger.Info("service is shutting down")
		_ = server.Shutdown()
	}()

	if err := server.ListenAndServe(); err != robin.ErrServerClosed {
		log.Fatal(err)
	}
	logger.Info("shutdown complete")
}
