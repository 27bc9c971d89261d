package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridref.org/internal/auth"
	"gridref.org/internal/cache"
	"gridref.org/internal/config"
	"gridref.org/internal/equipment"
	"gridref.org/internal/hierarchy"
	"gridref.org/internal/httpapi"
	"gridref.org/internal/notify"
	"gridref.org/internal/obs"
	"gridref.org/internal/refdata"
	"gridref.org/internal/stats"
	"gridref.org/internal/store"
	"gridref.org/internal/users"
	"gridref.org/internal/ws"
)

var version = "1.2.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("GRIDREF_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// The cache probes once here; an unreachable backend degrades every
	// cached path instead of failing startup.
	c := cache.New(cache.Config{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	var mainStore *store.Store
	if cfg.MainDSN != "" {
		mainStore, err = store.Open(cfg.MainDSN)
		if err != nil {
			log.Fatalf("open main store: %v", err)
		}
	}
	var tempStore *store.Store
	if cfg.TempDSN != "" {
		tempStore, err = store.Open(cfg.TempDSN)
		if err != nil {
			log.Fatalf("open temp store: %v", err)
		}
	}

	var probe httpapi.ReadyProbe
	var hier *hierarchy.Resolver
	var ref *refdata.Service
	var authn httpapi.Authenticator
	if mainStore != nil {
		probe.DB = mainStore.DB()
		hier = hierarchy.New(mainStore.DB(), c, cfg.CacheTTLShort)
		ref = refdata.New(mainStore.DB(), c, hier, cfg.CacheTTLShort)
		authn = users.New(mainStore)
	}

	hub := ws.New()
	ntf := notify.New(c, hub)
	tokens := auth.NewTokenStore(c, cfg.RefreshTokenTTL)

	var equip *equipment.Service
	var st *stats.Service
	if mainStore != nil && tempStore != nil {
		equip = equipment.New(mainStore, tempStore, c, ntf, cfg.CacheTTLMedium)
		st = stats.New(mainStore, tempStore, c, cfg.CacheTTLShort)
	}

	api := httpapi.New(httpapi.Deps{
		Ready:     probe,
		Version:   version,
		Users:     authn,
		Hierarchy: hier,
		Refdata:   ref,
		Equipment: equip,
		Stats:     st,
		Notify:    ntf,
		Hub:       hub,
		Cache:     c,
		Tokens:    tokens,
	})
	api.Tune(cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.RateBurst, cfg.RatePerSec)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting gridref-api %s on %s (cache available: %v)", version, srv.Addr, c.Available())

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if mainStore != nil {
		_ = mainStore.Close()
	}
	if tempStore != nil {
		_ = tempStore.Close()
	}
	_ = c.Close()
	log.Println("Stopped")
}
