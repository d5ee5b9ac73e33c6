package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/stoker/internal/api"
	"github.com/seantiz/stoker/internal/awsx"
	"github.com/seantiz/stoker/internal/config"
	"github.com/seantiz/stoker/internal/engine"
	"github.com/seantiz/stoker/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("stoker: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"cluster", cfg.Cluster,
		"launch_type", cfg.LaunchType,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	clients, err := awsx.NewClientsFromEnv(context.Background())
	if err != nil {
		log.Fatalf("failed to configure aws clients: %v", err)
	}

	eng := engine.New(db, clients.ECS, clients.Logs, engine.Config{
		Cluster:        cfg.Cluster,
		LaunchType:     cfg.LaunchType,
		Subnets:        cfg.Subnets,
		SecurityGroups: cfg.SecurityGroups,
		AssignPublicIP: cfg.AssignPublicIP,
		LogGroup:       cfg.LogGroup,
		Region:         clients.Region,
		PollInterval:   cfg.PollInterval,
		RunTimeout:     cfg.RunTimeout,
	}, logger)

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	eng.Wait()
}
