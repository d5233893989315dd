package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nanoclaw/host/common/version"
	"github.com/nanoclaw/host/internal/nanoclaw/config"
	"github.com/nanoclaw/host/internal/nanoclaw/lifecycle"
)

func main() {
	fmt.Printf("nanoclaw host orchestrator\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	app, err := lifecycle.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize host: %v\n", err)
		os.Exit(1)
	}
	defer app.Stop()

	if err := app.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error running host: %v\n", err)
		os.Exit(1)
	}
}
