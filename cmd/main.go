/**
 * @description
 * This is the main entry point for the pool-service. It loads configuration, connects the
 * store, Redis, RabbitMQ and the custody collaborator, and runs the HTTP API, the payout
 * command consumer and the scheduled jobs until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: Local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/custodyclient: Client for the remote custody service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ajo/pool-service/internal/address"
	"github.com/ajo/pool-service/internal/api"
	"github.com/ajo/pool-service/internal/app"
	"github.com/ajo/pool-service/internal/config"
	"github.com/ajo/pool-service/internal/custody"
	"github.com/ajo/pool-service/internal/domain"
	"github.com/ajo/pool-service/internal/store"
	"github.com/ajo/pool-service/pkg/custodyclient"
	rmrabbit "github.com/ajo/pool-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file loaded; using process environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	log.Printf("level=info component=bootstrap msg=\"starting pool-service\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	deriver, err := address.NewDeriver(cfg.ProgramID)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid program id\" err=%v", err)
	}

	var repository store.Repository
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()

		postgresRepo := store.NewPostgresRepository(dbpool)
		schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
		if err := postgresRepo.EnsureSchema(schemaCtx); err != nil {
			cancelSchema()
			log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
		}
		cancelSchema()
		repository = postgresRepo
		log.Println("level=info component=bootstrap msg=\"database connected\"")
	default:
		repository = store.NewMemoryRepository()
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; pool state is lost on restart\"")
	}

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var custodian custody.Custodian
	if cfg.SandboxCustody() {
		custodian = custody.NewLedger(deriver)
		log.Println("level=warn component=bootstrap msg=\"custody api not configured; settling transfers against the in-process sandbox ledger\"")
	} else {
		custodian = custodyclient.NewClient(cfg.CustodyAPIBaseURL, cfg.CustodyAPIKey)
	}

	poolService := app.NewService(repository, deriver, custodian, publisher, cfg.EventsExchange)

	if redisClient := connectRedis(cfg); redisClient != nil {
		defer redisClient.Close()
		poolService.SetOperationRateLimiter(app.NewRedisOperationRateLimiter(redisClient, cfg.RateLimitPrefix), cfg.RateLimitPerMinute)
	}

	if cfg.AuthJWKSURL == "" {
		log.Println("level=warn component=bootstrap msg=\"AUTH_JWKS_URL not set; authenticated routes will reject every request\"")
	}
	handlers := api.NewPoolHandlers(poolService)
	authenticator := api.NewAuthenticator(cfg.AuthJWKSURL, cfg.AuthIssuer, cfg.AuthAudience)

	router := chi.NewRouter()
	router.Mount("/pools", api.PoolRoutes(handlers, authenticator, cfg.AllowedOrigins()))

	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"RABBITMQ_URL not set; payout command consumer disabled\"")
	} else {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, cfg.ConsumerPrefetch)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
		}
		defer rabbitConsumer.Close()

		payoutConsumer := poolService.PayoutCommandConsumer()
		bindings := map[string]func([]byte) bool{
			domain.CommandPayoutRequested: payoutConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.PayoutCommandQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"payout consumer start failed\" err=%v", err)
		}
	}

	jobs := app.NewJobs(repository, custodian, deriver, publisher, cfg.EventsExchange, logger)
	scheduler := app.NewScheduler(jobs, logger, app.SchedulerConfig{
		PayoutReminderSchedule: cfg.PayoutReminderCron,
		VaultReconcileSchedule: cfg.VaultReconcileCron,
	})
	scheduler.Start()

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		logger.Warn("scheduled jobs still running at shutdown")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// connectRedis returns a connected client, or nil when rate limiting is disabled or Redis is
// unreachable.
func connectRedis(cfg config.Config) *redis.Client {
	if cfg.RateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; operation rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; operation rate limiting disabled\" err=%v", err)
		return nil
	}

	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; operation rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
