package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relaychat/relay/internal/config"
	"github.com/relaychat/relay/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default: <data dir>/config.toml)")
	flag.Parse()

	path := *configFlag
	if path == "" {
		path = filepath.Join(config.Default().DataDir, "config.toml")
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(cfg),
	)

	app.Run()
}
