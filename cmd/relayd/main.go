package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adamavenir/cc4me/internal/logging"
	"github.com/adamavenir/cc4me/internal/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", envOr("RELAYD_ADDR", ":8443"), "listen address")
	dbPath := flag.String("db", envOr("RELAYD_DB", "relay.db"), "path to the relay's sqlite database")
	cutoff := flag.String("migration-cutoff", os.Getenv("RELAYD_MIGRATION_CUTOFF"), "RFC3339 instant after which the legacy /relay/* surface returns 410 (empty disables)")
	heartbeatWindow := flag.Duration("heartbeat-window", 5*time.Minute, "expected agent heartbeat interval, used to derive online/offline presence")
	addAdmin := flag.String("add-admin", os.Getenv("RELAYD_ADD_ADMIN"), "grant admin rights before serving, as name=base64AdminPublicKey (optional)")
	flag.Parse()

	log := logging.New("relayd")

	db, err := relay.OpenDatabase(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var migrationCutoff time.Time
	if *cutoff != "" {
		migrationCutoff, err = time.Parse(time.RFC3339, *cutoff)
		if err != nil {
			return fmt.Errorf("parse -migration-cutoff: %w", err)
		}
	}

	if *addAdmin != "" {
		name, key, ok := strings.Cut(*addAdmin, "=")
		if !ok || name == "" || key == "" {
			return fmt.Errorf("-add-admin must be name=base64AdminPublicKey")
		}
		if err := relay.AddAdmin(db, name, key, time.Now()); err != nil {
			return fmt.Errorf("add admin %s: %w", name, err)
		}
		log.Printf("granted admin rights to %s", name)
	}

	server := relay.NewServer(relay.Config{
		DB:              db,
		MigrationCutoff: migrationCutoff,
		HeartbeatWindow: *heartbeatWindow,
	})

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: server.Routes(),
	}

	sweepStop := startRateLimitSweeper(db, log)
	defer close(sweepStop)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", *addr)
		errCh <- httpServer.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// startRateLimitSweeper periodically clears rate_limits rows older than
// the widest configured window, bounding table growth.
func startRateLimitSweeper(db *sql.DB, log *logging.Logger) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := relay.Sweep(db, time.Now().Add(-relay.RegistrationWindow)); err != nil {
					log.Warnf("rate limit sweep: %v", err)
				}
			}
		}
	}()
	return stop
}
