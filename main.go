package main

import (
	"flag"
	"log"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"

	"readsync/config"
	"readsync/hub"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, toml or json)")
	verbose := flag.Bool("verbose", false, "log every request")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	logger.SetLogLevel(cfg.LogLevel)

	h, err := hub.New(cfg.Hub)
	if err != nil {
		log.Fatal("Failed to initialize hub: ", err)
	}

	srv := hub.NewServer(h, rweb.ServerOptions{
		Address: cfg.Hub.Address,
		Verbose: *verbose,
	})
	log.Fatal(hub.Run(srv, cfg.Hub.Address))
}
