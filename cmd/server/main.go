package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "github.com/chatwit-social/scheduling-api/configs"
	"github.com/chatwit-social/scheduling-api/internal/api/handlers"
	"github.com/chatwit-social/scheduling-api/internal/api/middleware"
	job "github.com/chatwit-social/scheduling-api/internal/jobs"
	"github.com/chatwit-social/scheduling-api/internal/queue"
	"github.com/chatwit-social/scheduling-api/internal/repository"
	"github.com/chatwit-social/scheduling-api/internal/service"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Failed to load environment variables", err)
	}

	cfg := config.LoadConfig()
	ctx := context.Background()

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer closeDB(db)

	if err := db.Ping(); err != nil {
		log.Fatalf("Database is unreachable: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURI})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Redis is unreachable: %v", err)
	}

	redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI}
	client := asynq.NewClient(redisConn)
	defer client.Close()

	inspector := asynq.NewInspector(redisConn)
	defer inspector.Close()

	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		BodyLimit:    100 * 1024 * 1024, // 100 MB
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.Printf("Error: %v", err)
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.FrontendURL,
		AllowMethods:     "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	transactor := repository.NewTransactor(db)
	mediaAttachmentRepo := repository.NewMediaAttachmentRepository(db)
	scheduledPostRepo := repository.NewScheduledPostRepository(db, mediaAttachmentRepo)
	socialAccountRepo := repository.NewSocialAccountRepository(db)
	postingHistoryRepo := repository.NewPostingHistoryRepository(db)
	dispatchLedgerRepo := repository.NewDispatchLedgerRepository(rdb, cfg.Queue.LedgerTTL)

	r2Service, err := service.NewR2Service(ctx, *cfg)
	if err != nil {
		log.Fatalf("Failed to configure object storage: %v", err)
	}

	scheduler := queue.NewScheduler(client, inspector, rdb, cfg.Queue)
	schedulingService := service.NewSchedulingService(transactor, scheduledPostRepo, mediaAttachmentRepo, socialAccountRepo, r2Service, scheduler)
	dispatchService := service.NewDispatchService(
		*cfg,
		scheduledPostRepo,
		postingHistoryRepo,
		dispatchLedgerRepo,
		service.NewMediaSelector(mediaAttachmentRepo),
		service.NewWebhookService(*cfg),
		scheduler,
	)

	authMiddleware := middleware.NewAuthMiddleware(*cfg)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	api := app.Group("/api")
	api.Use(authMiddleware.AuthMiddleware())

	posts := handlers.NewScheduledPostHandler(schedulingService, cfg.Location())
	api.Post("/media", posts.UploadMedia)

	accountPosts := api.Group("/accounts/:accountID/scheduled-posts")
	accountPosts.Post("/", posts.CreateScheduledPost)
	accountPosts.Get("/", posts.ListScheduledPosts)
	accountPosts.Patch("/groups/:groupID", posts.UpdateGroup)
	accountPosts.Delete("/groups/:groupID", posts.DeleteGroup)
	accountPosts.Get("/:id", posts.GetScheduledPost)
	accountPosts.Patch("/:id", posts.UpdateScheduledPost)
	accountPosts.Delete("/:id", posts.DeleteScheduledPost)

	// cron jobs
	reconcileJob := job.NewReconcileJob(scheduledPostRepo, scheduler, cfg.Location())

	c := cron.New()
	c.AddFunc("@every 00h10m00s", reconcileJob.Run)
	c.Start()
	defer c.Stop()

	// queue
	worker := queue.NewWorker(dispatchService)
	server := asynq.NewServer(redisConn, asynq.Config{
		Concurrency:  cfg.Queue.Concurrency,
		Queues:       map[string]int{cfg.Queue.Name: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(worker.HandleError),
		Logger:       newAsynqLogger(),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskTypeScheduledPost, worker.HandleScheduledPostTask)

	go func() {
		log.Println("Starting the Asynq server...")
		if err := server.Run(mux); err != nil {
			log.Fatalf("Could not start Asynq server: %v", err)
		}
	}()

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Printf("Server is running on http://localhost:%s", cfg.Port)

	gracefulShutdown(app, server)
}

func closeDB(db *sql.DB) {
	fmt.Fprint(os.Stdout, "Closing database connection... ")
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close database: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, "Done")
}

func gracefulShutdown(app *fiber.App, server *asynq.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Println("Shutting down server...")

	if err := app.Shutdown(); err != nil {
		log.Printf("Failed to shut down server: %v", err)
	}
	server.Shutdown()

	log.Println("Server shutdown complete.")
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger() *asynqLogger {
	return &asynqLogger{l: slog.Default().With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a *asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a *asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
