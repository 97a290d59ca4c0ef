package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"shotlog-service/internal/config"
	"shotlog-service/internal/copier"
	"shotlog-service/internal/db"
	"shotlog-service/internal/domain/shot"
	httpapi "shotlog-service/internal/http"
	"shotlog-service/internal/motors"
	"shotlog-service/internal/repository"
	"shotlog-service/internal/service"
	"shotlog-service/internal/watcher"
)

func main() {
	configPath := flag.String("config", "shotlog.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	gdb, err := db.Open(db.Options{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	repo := repository.NewShotRepository(gdb)
	writer := copier.NewWriter(cfg.Paths.CleanRoot, log)
	engine := service.NewEngine(cfg.ShotConfig(), repo, writer, log)

	// Closed-shot listeners: history first, then motor correlation.
	engine.OnShotClosed(func(cs shot.ClosedShot) {
		if err := repo.RecordClosedShot(context.Background(), cs); err != nil {
			log.Error().Err(err).Str("date", cs.Date).Int("shot", cs.Index).
				Msg("failed to record closed shot")
		}
	})

	var recorder *motors.Recorder
	if cfg.Motors.InitialCSV != "" {
		recorder = motors.NewRecorder(
			cfg.Motors.InitialCSV,
			cfg.Motors.HistoryCSV,
			cfg.Motors.OutputCSV,
			cfg.Motors.InitialColumns,
			cfg.Motors.HistoryColumns,
			log,
		)
		rec := recorder
		engine.OnShotClosed(func(cs shot.ClosedShot) {
			if err := rec.RecordShot(cs.Index, cs.TriggerTime); err != nil {
				log.Warn().Err(err).Int("shot", cs.Index).Msg("motor position recording failed")
			}
		})
	}

	if err := engine.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}

	w, err := watcher.New(cfg.Paths.RawRoot, engine, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create watcher")
	}
	if err := w.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start watcher")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	handler := httpapi.NewHandler(engine, repo, recorder, log)
	handler.Register(router, httpapi.AuthMiddleware(cfg.HTTP.AuthSecret))

	server := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: router,
	}
	go func() {
		log.Info().Str("listen", cfg.HTTP.Listen).Msg("http server started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := w.Stop(); err != nil {
		log.Error().Err(err).Msg("watcher shutdown failed")
	}
	engine.Stop()
}
