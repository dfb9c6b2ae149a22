package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/brokercall/internal/api"
	"github.com/xtrntr/brokercall/internal/auth"
	"github.com/xtrntr/brokercall/internal/broadcast"
	"github.com/xtrntr/brokercall/internal/call"
	"github.com/xtrntr/brokercall/internal/config"
	"github.com/xtrntr/brokercall/internal/db"
	"github.com/xtrntr/brokercall/internal/engine"
	"github.com/xtrntr/brokercall/internal/intent"
	"github.com/xtrntr/brokercall/internal/marketdata"
	"github.com/xtrntr/brokercall/internal/schedule"
)

// Main entry point: wires the database, market data cache, intent parser,
// execution engine, call orchestrator, and HTTP server together.
func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer database.Close(ctx)

	// Market data: rate-limited upstream client behind the coalescing cache.
	provider := marketdata.NewHTTPProvider(
		cfg.MarketData.BaseURL, cfg.MarketData.APIKey,
		cfg.MarketData.RequestsPerSecond, cfg.MarketData.RequestTimeout)
	quotes := marketdata.NewService(provider, cfg.MarketData.QuoteTTL,
		cfg.MarketData.FetchRetries, cfg.MarketData.FetchBaseDelay, log)

	// Intent parsing: language model with keyword fallback.
	model := intent.NewHTTPModelClient(cfg.Intent.ModelURL, cfg.Intent.APIKey, cfg.Intent.RequestTimeout)
	parser := intent.NewParser(model, intent.DefaultSymbolTable(),
		cfg.Intent.ConfidenceThreshold, cfg.Intent.ModelRetries, cfg.Intent.ModelBaseDelay, log)

	broadcaster := broadcast.New(log)
	eng := engine.New(database, quotes, broadcaster, log)

	telephony := call.NewRestProvider(
		cfg.Telephony.BaseURL, cfg.Telephony.AccountID, cfg.Telephony.AuthToken,
		cfg.Telephony.FromNumber, cfg.BaseURL)
	orch := call.New(database, parser, eng, quotes, telephony, broadcaster, cfg.CallAckTimeout, log)

	runner := schedule.NewRunner(database, orch, log)
	if err := runner.Start(); err != nil {
		log.WithError(err).Fatal("failed to start schedule runner")
	}
	defer runner.Stop()

	authService := auth.NewService(database, cfg.JWTSecret)
	handler := api.NewHandler(database, eng, orch, quotes, authService, broadcaster, log)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public endpoints
	r.Post("/auth/login", handler.Login)
	r.Get("/ws", handler.Subscribe)

	// Telephony provider callbacks (authenticated by URL secrecy within the
	// provider account, not by user JWT)
	r.Route("/api/calls", func(r chi.Router) {
		r.Post("/inbound", handler.CallInbound)
		r.Post("/connect", handler.CallConnect)
		r.Post("/webhook", handler.CallWebhook)
		r.Post("/speech", handler.CallSpeech)
		r.Post("/recording", handler.CallRecording)
	})

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/trades", handler.SubmitTrade)
		r.Get("/trades", handler.GetTrades)
		r.Get("/portfolio", handler.GetPortfolio)
		r.Post("/calls/initiate", handler.InitiateCall)
		r.Get("/calls/{id}", handler.GetCall)
		r.Post("/schedules", handler.CreateSchedule)
		r.Get("/schedules", handler.GetSchedules)
		r.Delete("/schedules/{id}", handler.CancelSchedule)
	})

	log.WithField("addr", cfg.HTTPAddr).Info("starting server")
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}
