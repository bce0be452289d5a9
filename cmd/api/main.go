package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/auth"
	"bastion.dev/internal/config"
	"bastion.dev/internal/httpapi"
	"bastion.dev/internal/obs"
	"bastion.dev/internal/store/pg"
	"bastion.dev/internal/store/redisstore"
	"bastion.dev/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log := obs.Logger()
	if err := run(); err != nil {
		log.WithError(err).Fatal("bastion-api stopped")
	}
	log.Info("stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.DSN == "" {
		return errors.New("BASTION_PG_DSN is required")
	}
	store, err := pg.Open(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	revocations, err := redisstore.Open(dialCtx, redisstore.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	cancel()
	if err != nil {
		return err
	}
	defer revocations.Close()

	codec, err := auth.NewTokenCodec(cfg.Codec(), auth.WithCodecLogger(log))
	if err != nil {
		return err
	}
	resolver, err := auth.NewResolver(store)
	if err != nil {
		return err
	}
	grants := auth.NewCachedResolver(resolver, cfg.RBAC.CacheSize, cfg.RBAC.CacheTTL)

	resources := auth.NewResourceRegistry()
	if err := store.RegisterOwnedTables(resources); err != nil {
		return err
	}
	pipeline, err := auth.NewPipeline(codec, revocations, grants, resources, auth.WithPipelineLogger(log))
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionService(store, auth.BcryptHasher{}, codec, revocations, grants, auth.WithSessionLogger(log))
	if err != nil {
		return err
	}

	events := stream.New(64)
	audit.SetPublisher(events)

	probe := httpapi.ReadyProbe{DB: store, Redis: revocations}
	api, err := httpapi.New(httpapi.Deps{
		Codec:       codec,
		Pipeline:    pipeline,
		Sessions:    sessions,
		Grants:      grants,
		Principals:  store,
		Orders:      store,
		Roles:       store,
		Revocations: revocations,
		Ready:       probe,
		Version:     version,
		Events:      events,
		RatePerSec:  cfg.RateLimit.RPS,
		RateBurst:   cfg.RateLimit.Burst,
	})
	if err != nil {
		return err
	}

	if cfg.File != "" {
		if err := config.Watch(ctx, cfg.File, config.Reloader(codec)); err != nil {
			log.WithError(err).Warn("config watch disabled")
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := grpc.NewServer()
	httpapi.NewGRPCServer(probe).Register(grpcSrv)

	errc := make(chan error, 2)
	go func() {
		log.WithFields(map[string]any{"addr": srv.Addr, "version": version}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			errc <- err
			return
		}
		log.WithField("addr", cfg.GRPCAddr).Info("grpc listening")
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		log.WithError(err).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcSrv.GracefulStop()
	return srv.Shutdown(shutdownCtx)
}
