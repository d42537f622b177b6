// Command server runs the campaign dispatch API together with the dispatch
// scheduler.
//
// @title       Campaign Dispatch API
// @version     1.0
// @BasePath    /api/v1
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-campaign-dispatch/internal/config"
	"github.com/tbourn/go-campaign-dispatch/internal/delivery"
	httpapi "github.com/tbourn/go-campaign-dispatch/internal/http"
	"github.com/tbourn/go-campaign-dispatch/internal/observability"
	"github.com/tbourn/go-campaign-dispatch/internal/repo"
	"github.com/tbourn/go-campaign-dispatch/internal/services"
	"github.com/tbourn/go-campaign-dispatch/internal/sysutil"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("read .env")
	}
	cfg := config.MustLoad()
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}

	db, err := repo.Open(ctx, cfg.DB, cfg.OTEL.Enabled)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	var sender delivery.Sender = delivery.LogSender{}
	if cfg.Delivery.AMQPURL != "" {
		amqpSender := delivery.NewAMQPSender(cfg.Delivery.AMQPURL, cfg.Delivery.AMQPQueue)
		defer func() { _ = amqpSender.Close() }()
		sender = amqpSender
	}

	ledger := services.NewLedgerService(db)
	dispatcher := services.NewDispatcher(db, ledger, sender, cfg.Dispatch)
	bridge := &services.BridgeService{
		DB:         db,
		Supervisor: dispatcher,
		Bridge:     cfg.Bridge,
		Dispatch:   cfg.Dispatch,
	}
	dispatcher.Reaper = bridge
	campaigns := &services.CampaignService{
		DB:         db,
		Audience:   &services.AudienceResolver{Store: services.GormQuizStore{DB: db}, DefaultCountryCode: cfg.Dispatch.DefaultCountryCode},
		Ledger:     ledger,
		Supervisor: dispatcher,
		Cfg:        cfg.Dispatch,
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, httpapi.Services{
		Campaigns: campaigns,
		Credits:   ledger,
		Extension: bridge,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx); err != nil {
			log.Error().Err(err).Msg("dispatcher stopped")
		}
	}()

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	// Workers finish their current send unit before exiting.
	wg.Wait()
	dispatcher.Wait()
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
