package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/qrhealth/consent-core/internal/config"
	"github.com/qrhealth/consent-core/internal/directory"
	"github.com/qrhealth/consent-core/internal/limiter"
	"github.com/qrhealth/consent-core/internal/metrics"
	"github.com/qrhealth/consent-core/internal/migrate"
	"github.com/qrhealth/consent-core/internal/repository"
	"github.com/qrhealth/consent-core/internal/repository/memory"
	"github.com/qrhealth/consent-core/internal/repository/postgres"
	grpcserver "github.com/qrhealth/consent-core/internal/server/grpc"
	httpserver "github.com/qrhealth/consent-core/internal/server/http"
	"github.com/qrhealth/consent-core/internal/service"
	"github.com/qrhealth/consent-core/internal/sweeper"
)

const (
	shutdownTimeout = 5 * time.Second
	probeInterval   = 10 * time.Second
	leaseKey        = "consent:sweeper:lease"
)

// app holds the backends chosen from configuration.
type app struct {
	log        *zap.Logger
	grants     repository.GrantRepository
	challenges repository.ChallengeRepository
	audit      repository.AuditRepository
	dir        directory.Directory
	lim        limiter.Limiter
	lease      sweeper.Lease
	prune      func(ctx context.Context) error
	sender     *notifier
	ready      func(ctx context.Context) error
	closers    []func()
}

// build connects the stores and collaborators. m may be nil.
func build(ctx context.Context, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (_ *app, err error) {
	a := &app{log: log, lim: limiter.Nop{}, lease: sweeper.Always{}, ready: func(context.Context) error { return nil }}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var pg *postgres.DB
	if cfg.DatabaseURL != "" {
		if err := migrate.Up(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		pg, err = postgres.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.grants = postgres.NewGrantRepo(pg)
		a.challenges = postgres.NewChallengeRepo(pg)
		a.audit = postgres.NewAuditRepo(pg)
		a.ready = pg.Ping
	} else {
		log.Warn("DATABASE_URL not set, using the in-memory store")
		st := memory.New()
		a.grants, a.challenges, a.audit = st.Grants(), st.Challenges(), st.Audit()
	}

	if cfg.DirectoryURL != "" {
		c, err := directory.NewClient(directory.Config{
			BaseURL: cfg.DirectoryURL,
			Token:   cfg.DirectoryToken,
			Timeout: cfg.DirectoryTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.dir = c
	} else {
		log.Warn("DIRECTORY_URL not set, using an empty static directory")
		a.dir = directory.NewStatic()
	}

	switch {
	case cfg.RedisURL != "":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable at startup", zap.Error(err))
		}
		a.lim = limiter.NewRedis(rdb, "consent:req:", cfg.RequestLimit, cfg.RequestWindow)
		lease, err := sweeper.NewRedisLease(rdb, leaseKey)
		if err != nil {
			return nil, err
		}
		a.lease = lease
	case pg != nil:
		pl := limiter.NewPG(pg.Pool, cfg.RequestLimit, cfg.RequestWindow)
		a.lim = pl
		a.prune = pl.Prune
	default:
		log.Warn("no limiter backend, access requests are not rate limited")
	}

	a.sender, err = newNotifier(cfg, log, m)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.sender.Close)
	return a, nil
}

// close releases backends in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) sweeper(cfg *config.Config, m *metrics.Metrics) *sweeper.Sweeper {
	opts := []sweeper.Option{
		sweeper.WithLease(a.lease),
		sweeper.WithMetrics(m),
		sweeper.WithSender(a.sender),
	}
	if a.prune != nil {
		opts = append(opts, sweeper.WithPrune(a.prune))
	}
	return sweeper.New(a.grants, sweeper.Config{Interval: cfg.SweepInterval, Batch: cfg.SweepBatch}, a.log, opts...)
}

func (a *app) gateway(cfg *config.Config, m *metrics.Metrics) *service.AccessGatewayImpl {
	otp := service.NewOTPService(a.grants, a.challenges, a.audit, a.sender, service.OTPConfig{
		Digits:      cfg.OTPDigits,
		TTL:         cfg.OTPTTL,
		MaxAttempts: cfg.OTPMaxAttempts,
		GrantTTL:    cfg.GrantTTL,
	}, a.log, m)
	return service.NewAccessGateway(service.GatewayDeps{
		Grants:    a.grants,
		Audit:     a.audit,
		OTP:       otp,
		Directory: a.dir,
		Limiter:   a.lim,
		Sender:    a.sender,
		Log:       a.log,
		Metrics:   m,
	})
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	a, err := build(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpserver.NewRouter(httpserver.Options{
			Gateway:  a.gateway(cfg, m),
			Verifier: httpserver.NewVerifier([]byte(cfg.JWTSigningKey)),
			Log:      log,
			Metrics:  m,
			Gatherer: reg,
			Ready:    a.ready,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	probe := grpcserver.NewProbe(log)

	errCh := make(chan error, 2)
	go func() {
		log.Info("grpc probe listening", zap.String("addr", cfg.GRPCAddr))
		errCh <- probe.Serve(lis)
	}()
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	bg, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		a.sweeper(cfg, m).Run(bg)
	}()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		probe.Watch(bg, probeInterval, a.ready)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("server error", zap.Error(runErr))
	}

	// Watch leaves the probe NOT_SERVING when it returns
	cancelBG()
	<-watchDone

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	probe.Stop(shutdownTimeout)
	<-sweepDone

	log.Info("shutdown complete")
	return runErr
}
