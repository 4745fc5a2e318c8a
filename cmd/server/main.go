package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Engin1980/eng-task-grading-sub001/internal/captcha"
	"github.com/Engin1980/eng-task-grading-sub001/internal/config"
	"github.com/Engin1980/eng-task-grading-sub001/internal/db"
	internalhttp "github.com/Engin1980/eng-task-grading-sub001/internal/http"
	"github.com/Engin1980/eng-task-grading-sub001/internal/jobs"
	"github.com/Engin1980/eng-task-grading-sub001/internal/login"
	"github.com/Engin1980/eng-task-grading-sub001/internal/mail"
	"github.com/Engin1980/eng-task-grading-sub001/internal/ratelimit"
	"github.com/Engin1980/eng-task-grading-sub001/internal/repository"
	"github.com/Engin1980/eng-task-grading-sub001/internal/selfsign"
	"github.com/Engin1980/eng-task-grading-sub001/internal/token"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv load skipped: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()
	store := repository.NewStore(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
	}

	var mailer mail.Mailer
	if cfg.SendgridAPIKey != "" {
		mailer = mail.NewSendGridMailer(cfg.SendgridAPIKey, cfg.MailFromName, cfg.MailFrom)
	} else {
		log.Printf("no sendgrid key set, logging mail to console")
		mailer = mail.ConsoleMailer{}
	}

	var oracle captcha.Oracle = captcha.Disabled{}
	if cfg.CaptchaEnabled {
		oracle = captcha.NewHTTPOracle(cfg.CaptchaSecret, cfg.CaptchaVerifyURL, cfg.CaptchaTimeout)
	}

	issuer := token.NewIssuer(store, cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL)
	loginSvc := login.NewService(store, issuer, mailer, oracle, cfg.LoginTokenTTL, cfg.SessionDurationsSeconds, cfg.FrontendBaseURL)
	engine := selfsign.NewEngine(store)

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewLimiter(redisClient, cfg.RateLimitMax, cfg.RateLimitWindow)
	} else {
		limiter = ratelimit.NewLimiter(nil, 0, 0)
	}

	jobs.StartCleanupJob(ctx, cfg, store)

	server := internalhttp.NewServer(cfg, store, issuer, loginSvc, engine, limiter)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("grading http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
}
