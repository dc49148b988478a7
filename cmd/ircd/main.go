// Command ircd runs the server: load configuration, build the State
// Store/Credential Store/capability negotiator, and accept connections on
// every configured binding until a termination signal arrives (spec.md §6).
// This server carries no gRPC peering or admin-portal flags (see DESIGN.md).
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/presbrey/ircd/internal/capneg"
	"github.com/presbrey/ircd/internal/config"
	"github.com/presbrey/ircd/internal/credstore"
	"github.com/presbrey/ircd/internal/dispatch"
	"github.com/presbrey/ircd/internal/server"
	"github.com/presbrey/ircd/internal/store"
)

const version = "ircd-0.1"

func main() {
	configPath := flag.String("config", "/etc/ircd/ircd.yaml", "path to the server configuration file")
	grace := flag.Duration("shutdown-grace", 5*time.Second, "time to wait for listeners to stop on shutdown")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("ircd: loading %s: %v", *configPath, err)
	}
	log.Printf("ircd: loaded configuration from %s", cfg.Source)
	log.Printf("ircd: domain=%s network bindings=%d workers=%d", cfg.Domain, len(cfg.Bindings), cfg.Workers)

	creds, err := credstore.Open(cfg.Database)
	if err != nil {
		log.Fatalf("ircd: opening credential store: %v", err)
	}
	if creds.Enabled() {
		log.Printf("ircd: SASL PLAIN enabled against %s", cfg.Database.Driver)
	} else {
		log.Printf("ircd: no database configured, SASL disabled")
	}

	st := store.New(cfg.Domain, cfg.Limits, cfg.Opers, store.Metadata{
		Domain:      cfg.Domain,
		OrgName:     cfg.OrgName,
		OrgLocation: cfg.OrgLocation,
		OrgMail:     cfg.OrgMail,
		MOTD:        readMOTD(cfg.MOTDFile),
		Created:     time.Now(),
	})

	d := &dispatch.Dispatcher{
		Store:           st,
		Caps:            capneg.New(creds.Enabled()),
		Creds:           creds,
		Config:          cfg,
		ServerName:      cfg.Domain,
		Network:         cfg.OrgName,
		DefaultChanMode: cfg.DefaultChanMode,
		ServerPassword:  cfg.Password,
		Version:         version,
		StartTime:       time.Now(),
	}

	srv := server.New(cfg, d)
	if err := srv.Start(); err != nil {
		log.Fatalf("ircd: starting listeners: %v", err)
	}
	log.Printf("ircd: up and accepting connections")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Printf("ircd: shutdown signal received")

	if err := srv.Stop(*grace); err != nil {
		log.Printf("ircd: error during shutdown: %v", err)
	}
	log.Printf("ircd: stopped")
}

func readMOTD(path string) []string {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}
