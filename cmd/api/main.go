package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/coreidpin/coreidpin-sub005/internal/audit"
	"github.com/coreidpin/coreidpin-sub005/internal/handlers"
	"github.com/coreidpin/coreidpin-sub005/internal/jobs"
	"github.com/coreidpin/coreidpin-sub005/internal/mailer"
	"github.com/coreidpin/coreidpin-sub005/internal/repository"
	"github.com/coreidpin/coreidpin-sub005/internal/service"
	"github.com/coreidpin/coreidpin-sub005/internal/sms"
	"github.com/coreidpin/coreidpin-sub005/pkg/config"
	"github.com/coreidpin/coreidpin-sub005/pkg/database"
	"github.com/coreidpin/coreidpin-sub005/pkg/events"
	"github.com/coreidpin/coreidpin-sub005/pkg/logger"
	mw "github.com/coreidpin/coreidpin-sub005/pkg/middleware"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.DB)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("Invalid Redis URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.Enabled {
		natsPub, err := events.NewNATSPublisher(cfg.NATS.URL)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsPub.Close()
		publisher = natsPub
	}

	// Repositories
	regRepo := repository.NewRegistrationRepository(pool)
	otpRepo := repository.NewOTPRepository(pool)
	identityRepo := repository.NewIdentityRepository(pool)
	verifyRepo := repository.NewVerifyRepository(pool)
	jobRepo := repository.NewJobRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)
	redisStore := repository.NewRedisStore(redisClient, cfg.Phone.ServerSalt)

	// Delivery providers
	var mailSvc mailer.Service
	if cfg.Email.DevMode {
		mailSvc = mailer.NewDevMailer()
	} else {
		mailSvc = mailer.NewMailerSend(cfg.Email.MailerSendKey, cfg.Email.FromName, cfg.Email.FromEmail)
	}

	var smsSender sms.Sender
	if cfg.SMS.DevMode {
		smsSender = sms.NewDevSender()
	} else {
		smsSender = sms.NewProviderClient(cfg.SMS.ProviderURL, cfg.SMS.ProviderKey)
	}

	// Services
	queue := jobs.NewQueue(jobRepo, identityRepo, auditRepo, mailSvc, smsSender, cfg)
	auditSvc := audit.NewService(auditRepo, publisher, cfg.Alerts)
	registrationSvc := service.NewRegistrationService(
		regRepo, otpRepo, identityRepo, verifyRepo,
		redisStore, redisStore, queue, auditSvc, cfg,
	)
	identitySvc := service.NewIdentityService(
		identityRepo, verifyRepo, otpRepo,
		redisStore, queue, auditSvc, cfg,
	)

	h := handlers.New(registrationSvc, identitySvc, queue, auditSvc, cfg)

	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Logging)
	r.Use(mw.Health)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Registration-Token", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Mount("/", h.Routes())

	// Background sweep so queued work survives a crash without external cron.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	dispatcher := jobs.NewDispatcher(queue, cfg.Jobs.SweepInterval)
	go dispatcher.Run(sweepCtx)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down API server...")
		stopSweep()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("API server shutdown error", "error", err)
		}
	}()

	logger.Info("Starting API server", "port", cfg.Server.Port, "pin_mode", cfg.PIN.Mode)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("API server error", "error", err)
		os.Exit(1)
	}
}
