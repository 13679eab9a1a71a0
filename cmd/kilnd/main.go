package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/kilnproject/kiln/internal/config"
	"github.com/kilnproject/kiln/internal/hook"
	"github.com/kilnproject/kiln/internal/runner"
	"github.com/kilnproject/kiln/internal/tasks"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

// defaultConfigPath is used when neither the flag nor KILND_CONFIG is set.
const defaultConfigPath = "/etc/kiln/kiln.yml"

func main() {
	configPath := flag.String("config", "", "path to kiln.yml (default $KILND_CONFIG or "+defaultConfigPath+")")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("KILND_CONFIG")
	}
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exec, err := runner.NewRunner(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer exec.Close()

	redisOpts := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	log.Printf("[Daemon] Starting with %d instances, state root %s", len(cfg.Instances), cfg.StateRoot)

	var wg sync.WaitGroup
	var boards []*taskboard.Client
	for id, instance := range cfg.Instances {
		board, err := taskboard.NewClient(redisOpts, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to connect task board for instance %s: %v\n", id, err)
			os.Exit(1)
		}
		if err := board.Ping(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: Redis not accessible at %s: %v\n", cfg.Redis.Addr, err)
			os.Exit(1)
		}
		boards = append(boards, board)

		worker := &tasks.Worker{
			Board:      board,
			Config:     cfg,
			InstanceID: id,
			Instance:   instance,
			Exec:       exec,
			Hook: &hook.Hook{
				Path:         cfg.Hook,
				InstanceID:   id,
				InstanceName: instance.Name,
			},
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil {
				log.Printf("[Daemon] Worker for instance %s exited: %v", id, err)
			}
		}(id)
	}

	<-ctx.Done()
	log.Printf("[Daemon] Shutdown signal received, waiting for workers")
	wg.Wait()

	for _, board := range boards {
		board.Close()
	}
	log.Printf("[Daemon] Stopped")
}
