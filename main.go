package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/mohammadanang/upload-relay/config"
	"github.com/mohammadanang/upload-relay/handler"
	"github.com/mohammadanang/upload-relay/relay"
	"github.com/mohammadanang/upload-relay/storage"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", slog.String("err", err.Error()))
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	app, err := newApp(cfg, log)
	if err != nil {
		log.Error("failed to build app", slog.String("err", err.Error()))
		os.Exit(1)
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stopCh
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.Error("failed to stop server", slog.String("err", err.Error()))
		}
	}()

	log.Info("starting server", slog.String("addr", cfg.Addr()))
	if err := app.Listen(cfg.Addr()); err != nil {
		log.Error("server failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func newApp(cfg config.Config, log *slog.Logger) (*fiber.App, error) {
	scratch, err := storage.NewScratch(cfg.UploadDir)
	if err != nil {
		return nil, err
	}

	for name, t := range map[string]config.Target{"first": cfg.First, "second": cfg.Second} {
		if t.Host == "" {
			log.Warn("upstream host not configured", slog.String("target", name))
		}
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New())
	if cfg.RateLimitMax > 0 {
		app.Use(limiter.New(limiter.Config{
			Expiration: cfg.RateLimitWindow,
			Max:        cfg.RateLimitMax,
		}))
	}
	app.Use(logger.New(logger.Config{
		Format: "${time} | ${locals:requestid} | ${status} | ${method} | ${path} | ${latency}\n",
	}))

	dispatcher := relay.NewDispatcher(
		log,
		relay.NewHTTPClient(cfg.UpstreamTimeout),
		relay.TargetFrom(cfg.First),
		relay.TargetFrom(cfg.Second),
	)
	apiHandler := handler.NewAPIHandler(log, scratch, dispatcher, cfg.MaxRequests)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Post("/start", apiHandler.Start)
	app.Static("/", cfg.StaticDir, fiber.Static{Index: "index.html"})

	log.Debug("routes registered", slog.String("static", cfg.StaticDir), slog.String("uploads", scratch.Dir()))

	return app, nil
}
