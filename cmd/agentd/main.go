package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adamavenir/cc4me/internal/community"
	"github.com/adamavenir/cc4me/internal/events"
	"github.com/adamavenir/cc4me/internal/groupfanout"
	"github.com/adamavenir/cc4me/internal/identitystore"
	"github.com/adamavenir/cc4me/internal/inbox"
	"github.com/adamavenir/cc4me/internal/logging"
	"github.com/adamavenir/cc4me/internal/pipeline"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	agentName := flag.String("agent", os.Getenv("AGENTD_NAME"), "this agent's registered username")
	addr := flag.String("addr", envOr("AGENTD_ADDR", ":9443"), "listen address for the inbox endpoint")
	endpoint := flag.String("endpoint", os.Getenv("AGENTD_ENDPOINT"), "this agent's externally reachable base URL (no trailing slash)")
	dataDir := flag.String("data-dir", envOr("AGENTD_DATA_DIR", "."), "directory for identity and contact-cache state")
	communities := flag.String("communities", os.Getenv("AGENTD_COMMUNITIES"), "comma-separated name=primaryURL[|failoverURL] community list")
	passphraseEnv := flag.String("passphrase-env", "AGENTD_PASSPHRASE", "env var holding the identity-unlock passphrase")
	flag.Parse()

	if *agentName == "" {
		return fmt.Errorf("-agent is required")
	}
	if *endpoint == "" {
		return fmt.Errorf("-endpoint is required")
	}

	log := logging.New("agentd")

	store, err := identitystore.New(*dataDir)
	if err != nil {
		return err
	}
	passphrase := []byte(os.Getenv(*passphraseEnv))
	if len(passphrase) == 0 {
		return fmt.Errorf("environment variable %s must hold the identity passphrase", *passphraseEnv)
	}
	if _, err := store.Load(); err != nil {
		pub, err := store.Create(*agentName, passphrase)
		if err != nil {
			return fmt.Errorf("create identity: %w", err)
		}
		log.Printf("created new identity for %s (%x...)", *agentName, pub[:4])
	}
	priv, err := store.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlock identity: %w", err)
	}

	bus := events.New()
	wireLogging(bus, log)

	manager := community.New(community.ManagerOpts{
		Agent:             *agentName,
		Endpoint:          *endpoint,
		DefaultPrivateKey: priv,
		DataDir:           *dataDir,
		DefaultCommunity:  firstCommunityName(*communities),
		Events:            bus,
	})

	for _, cfg := range parseCommunities(*communities) {
		if err := manager.AddCommunity(cfg); err != nil {
			return fmt.Errorf("add community %s: %w", cfg.Name, err)
		}
	}
	if len(manager.Names()) == 0 {
		return fmt.Errorf("-communities must list at least one community")
	}

	p := pipeline.New(pipeline.Opts{Username: *agentName, Manager: manager, Events: bus})
	members := groupfanout.NewMemberCache(manager)

	manager.StartHeartbeats()

	refreshCtx, cancelRefresh := context.WithTimeout(context.Background(), 30*time.Second)
	for _, name := range manager.Names() {
		if err := manager.RefreshContacts(refreshCtx, name); err != nil {
			log.Warnf("initial contact refresh for %s: %v", name, err)
		}
	}
	cancelRefresh()

	p.Start()
	defer func() {
		p.Stop()
		manager.Stop()
	}()

	inboxServer := inbox.New(p, members)
	httpServer := &http.Server{Addr: *addr, Handler: inboxServer.Routes()}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("inbox listening on %s for agent %s", *addr, *agentName)
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

// wireLogging attaches plain stderr logging to every bus event, the
// default sink an embedding application may replace by registering its
// own handlers on the same bus.
func wireLogging(bus *events.Bus, log *logging.Logger) {
	bus.OnMessage(func(e events.MessageEvent) { log.Printf("message from %s (%s)", e.Sender, e.MessageID) })
	bus.OnGroupMessage(func(e events.GroupMessageEvent) { log.Printf("group message from %s in %s", e.Sender, e.GroupID) })
	bus.OnBroadcast(func(e events.BroadcastEvent) { log.Printf("broadcast %s from %s", e.Type, e.Sender) })
	bus.OnContactRequest(func(e events.ContactRequestEvent) { log.Printf("contact request from %s", e.From) })
	bus.OnDeliveryStatus(func(e events.DeliveryStatusEvent) {
		log.Printf("delivery %s -> %s: %s", e.MessageID, e.Recipient, e.Status)
	})
	bus.OnCommunityStatus(func(e events.CommunityStatusEvent) {
		log.Printf("community %s status: %s", e.Community, e.Status)
	})
	bus.OnKeyRotationPartial(func(e events.KeyRotationPartialEvent) {
		log.Warnf("key rotation partially failed across %d communities", len(e.Results))
	})
	bus.OnKeyChanged(func(e events.KeyChangedEvent) {
		log.Printf("key changed for %s in %s", e.Agent, e.Community)
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseCommunities parses "name=primary[|failover],name2=primary2" into
// community.Config values.
func parseCommunities(spec string) []community.Config {
	var out []community.Config
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		nameAndURLs := strings.SplitN(part, "=", 2)
		if len(nameAndURLs) != 2 {
			continue
		}
		urls := strings.SplitN(nameAndURLs[1], "|", 2)
		cfg := community.Config{Name: strings.TrimSpace(nameAndURLs[0]), PrimaryURL: strings.TrimSpace(urls[0])}
		if len(urls) == 2 {
			cfg.FailoverURL = strings.TrimSpace(urls[1])
		}
		out = append(out, cfg)
	}
	return out
}

func firstCommunityName(spec string) string {
	communities := parseCommunities(spec)
	if len(communities) == 0 {
		return ""
	}
	return communities[0].Name
}
