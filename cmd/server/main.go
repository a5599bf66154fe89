// Command courtsync-server runs the court-records sync engine with its operator endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/courtsync/internal/archive"
	"github.com/and161185/courtsync/internal/captcha"
	"github.com/and161185/courtsync/internal/config"
	"github.com/and161185/courtsync/internal/crypto"
	"github.com/and161185/courtsync/internal/limiter"
	"github.com/and161185/courtsync/internal/migrate"
	"github.com/and161185/courtsync/internal/portal"
	"github.com/and161185/courtsync/internal/repository/postgres"
	grpcserver "github.com/and161185/courtsync/internal/server/grpc"
	"github.com/and161185/courtsync/internal/server/httpapi"
	"github.com/and161185/courtsync/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations and supervises the sync loops and servers.
func main() {
	configPath := flag.String("config", "", "path to YAML config (default $COURTSYNC_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Log.Dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("grpc", cfg.GRPC.Addr),
		zap.String("http", cfg.HTTP.Addr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(dev bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := migrate.Up(ctx, cfg.DB.DSN, logger.Named("migrate")); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}

	db, err := postgres.New(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()

	identitySealer, tokenSealer, err := sealers(cfg.Crypto.MasterKey)
	if err != nil {
		return err
	}

	// Repositories
	cases := postgres.NewCaseRepo(db)
	identities := postgres.NewIdentityRepo(db, identitySealer)
	tokens := postgres.NewTokenRepo(db, tokenSealer)
	jobs := postgres.NewJobRepo(db)
	runlogs := postgres.NewRunLogRepo(db)
	settings := postgres.NewSettingsRepo(db)
	lim := limiter.NewPG(db.Pool, cfg.Executor.FailureWindow, cfg.Executor.FailureThreshold, cfg.Executor.CooldownFor)

	// CAPTCHA + portal
	var arch archive.Archiver = archive.Nop{}
	if cfg.Archive.Enabled {
		s3arch, err := archive.NewS3(ctx, archive.S3Config{
			Bucket:       cfg.Archive.Bucket,
			Region:       cfg.Archive.Region,
			BaseEndpoint: cfg.Archive.BaseEndpoint,
			AccessKey:    cfg.Archive.AccessKey,
			SecretKey:    cfg.Archive.SecretKey,
			Prefix:       cfg.Archive.Prefix,
		})
		if err != nil {
			return fmt.Errorf("captcha archive: %w", err)
		}
		arch = s3arch
	}
	solver := captcha.NewSolver(captcha.NewHTTPRecognizer(cfg.Captcha.OCRURL, cfg.Captcha.Timeout), arch, logger.Named("captcha"))
	backend := portal.NewBackend(portal.Options{
		BaseURL:           cfg.Portal.BaseURL,
		UserAgent:         cfg.Portal.UserAgent,
		Timeout:           cfg.Portal.Timeout,
		RegisterAttempts:  cfg.Portal.RegisterAttempts,
		RetryDelay:        cfg.Portal.RetryDelay,
		RequestsPerMinute: cfg.Portal.RequestsPerMinute,
		Burst:             cfg.Portal.Burst,
		SessionTTL:        cfg.Portal.SessionTTL,
		IdentityValidity:  cfg.Portal.IdentityValidity,
		CaptchaTokenField: cfg.Portal.CaptchaTokenField,
		BreakerFailures:   cfg.Portal.BreakerFailures,
		BreakerOpenFor:    cfg.Portal.BreakerOpenFor,
	}, solver, logger.Named("portal"))
	connect := func(sess *portal.SessionContext) service.PortalClient { return portal.NewClient(backend, sess) }

	// Services
	codes := cfg.Codes()
	tm := service.NewTokenManager(identities, tokens, connect, logger.Named("tokens"))
	renewals := service.NewRenewalService(identities, tokens, cases, tm, codes, logger.Named("renewal"))
	sched := service.NewSchedulerService(cases, identities, jobs, runlogs, settings,
		cfg.Scheduler.WindowGranularity, cfg.Scheduler.UpdateConcurrency, logger.Named("scheduler"))
	workerID := cfg.Executor.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	exec := service.NewExecutorService(jobs, cases, runlogs, tm, renewals, codes, lim, service.ExecutorConfig{
		WorkerID:      workerID,
		Concurrency:   cfg.Executor.Concurrency,
		BatchSize:     cfg.Executor.BatchSize,
		Lease:         cfg.Executor.Lease,
		RequestJitter: cfg.Executor.RequestJitter,
	}, logger.Named("executor"))
	maint := service.NewMaintenanceService(jobs, identities, cfg.Executor.StaleAfter, logger.Named("maintenance"))
	auth := service.NewOperatorAuth([]byte(cfg.Auth.JWTKey), cfg.Auth.TokenTTL)

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.AuthUnary(auth, logger, "/grpc.health.v1.Health/", "/grpc.reflection."),
			grpcserver.LoggingUnary(logger),
		),
	}
	if cfg.GRPC.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.GRPC.TLSCert, cfg.GRPC.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("grpc listening without TLS")
	}
	gs := grpc.NewServer(opts...)
	grpcserver.Register(gs, grpcserver.New(sched, logger.Named("grpc")))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if cfg.GRPC.Dev {
		reflection.Register(gs)
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(sched, db, cfg.HTTP.CronSecret, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Supervision tree
	sup := suture.New("courtsync", suture.Spec{
		EventHook: func(ev suture.Event) { logger.Warn("supervisor", zap.String("event", ev.String())) },
		Timeout:   10 * time.Second,
	})
	if cfg.Scheduler.Enabled {
		sup.Add(service.SchedulerLoop(sched, cfg.Scheduler.Every, logger))
	}
	sup.Add(service.NewExecutorLoop(exec, cfg.Executor.PollInterval, logger))
	sup.Add(service.MaintenanceLoop(maint, cfg.Executor.MaintenanceInterval, logger))
	sup.Add(&grpcService{srv: gs, addr: cfg.GRPC.Addr, log: logger})
	sup.Add(&httpService{srv: httpSrv, log: logger})

	return sup.Serve(ctx)
}

// sealers returns the identity and token sealers; without a master key values are stored plain.
func sealers(master string) (crypto.Sealer, crypto.Sealer, error) {
	if master == "" {
		return crypto.Plain{}, crypto.Plain{}, nil
	}
	id, err := crypto.NewXChaCha([]byte(master), "courtsync/identity-cookie")
	if err != nil {
		return nil, nil, fmt.Errorf("identity sealer: %w", err)
	}
	tok, err := crypto.NewXChaCha([]byte(master), "courtsync/case-token")
	if err != nil {
		return nil, nil, fmt.Errorf("token sealer: %w", err)
	}
	return id, tok, nil
}

// grpcService adapts grpc.Server to suture.Service.
type grpcService struct {
	srv  *grpc.Server
	addr string
	log  *zap.Logger
}

func (s *grpcService) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("grpc listening", zap.String("addr", s.addr))
		errCh <- s.srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		// graceful shutdown
		done := make(chan struct{})
		go func() {
			s.srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.srv.Stop()
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *grpcService) String() string { return "grpc" }

// httpService adapts http.Server to suture.Service.
type httpService struct {
	srv *http.Server
	log *zap.Logger
}

func (s *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", zap.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return suture.ErrDoNotRestart
		}
		return err
	}
}

func (s *httpService) String() string { return "http" }
