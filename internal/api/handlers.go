// Package api exposes the HTTP surface: trade submission, portfolio reads,
// call initiation, schedule CRUD, provider webhooks, and the live event
// stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/brokercall/internal/auth"
	"github.com/xtrntr/brokercall/internal/broadcast"
	"github.com/xtrntr/brokercall/internal/call"
	"github.com/xtrntr/brokercall/internal/db"
	"github.com/xtrntr/brokercall/internal/engine"
	"github.com/xtrntr/brokercall/internal/marketdata"
	"github.com/xtrntr/brokercall/internal/models"
)

type contextKey string

const userIDKey contextKey = "user_id"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Engine      *engine.Engine
	Orch        *call.Orchestrator
	Quotes      *marketdata.Service
	AuthService *auth.Service
	Broadcaster *broadcast.Broadcaster
	Log         *logrus.Logger
}

// NewHandler creates a new handler
func NewHandler(database *db.DB, eng *engine.Engine, orch *call.Orchestrator,
	quotes *marketdata.Service, authService *auth.Service,
	broadcaster *broadcast.Broadcaster, log *logrus.Logger) *Handler {
	return &Handler{
		DB:          database,
		Engine:      eng,
		Orch:        orch,
		Quotes:      quotes,
		AuthService: authService,
		Broadcaster: broadcaster,
		Log:         log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// isRejection reports whether err is an expected business-rule failure whose
// text is the machine-readable reason code.
func isRejection(err error) bool {
	return errors.Is(err, models.ErrInsufficientFunds) ||
		errors.Is(err, models.ErrInsufficientShares) ||
		errors.Is(err, models.ErrUnresolvableTicker) ||
		errors.Is(err, models.ErrInvalidQuantity) ||
		errors.Is(err, models.ErrQuoteUnavailable)
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) (int, bool) {
	id, ok := r.Context().Value(userIDKey).(int)
	return id, ok
}

// SubmitTrade executes a trade from a resolved intent
func (h *Handler) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Action   string `json:"action"`
		Ticker   string `json:"ticker"`
		Quantity int64  `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	action := models.TradeAction(strings.ToLower(req.Action))
	if action != models.ActionBuy && action != models.ActionSell {
		writeError(w, http.StatusBadRequest, "action must be 'buy' or 'sell'")
		return
	}

	trade, err := h.Engine.Execute(r.Context(), uid, models.TradeIntent{
		Action:     action,
		Ticker:     strings.ToUpper(strings.TrimSpace(req.Ticker)),
		Quantity:   req.Quantity,
		Confidence: 1,
	}, nil)
	if err != nil {
		if isRejection(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.Log.WithError(err).Error("trade execution failed")
		writeError(w, http.StatusInternalServerError, "failed to execute trade")
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

// GetTrades retrieves a user's trade history
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	trades, err := h.DB.GetTrades(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve trades")
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

type positionView struct {
	models.Position
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
	MarketValue  *decimal.Decimal `json:"market_value,omitempty"`
	PriceSource  string           `json:"price_source,omitempty"`
}

// GetPortfolio returns the account with priced positions. ?refresh=true
// forces fresh quotes before the read.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	acct, err := h.DB.GetAccount(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve account")
		return
	}
	positions, err := h.DB.GetPositions(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve positions")
		return
	}

	freshness := marketdata.AllowCached
	if r.URL.Query().Get("refresh") == "true" {
		freshness = marketdata.ForceFresh
	}

	total := acct.CashBalance
	views := make([]positionView, 0, len(positions))
	for _, pos := range positions {
		view := positionView{Position: pos}
		quote, err := h.Quotes.GetQuote(r.Context(), pos.Ticker, freshness)
		if err == nil {
			price := quote.Price
			value := price.Mul(decimal.NewFromInt(pos.Quantity))
			view.CurrentPrice = &price
			view.MarketValue = &value
			view.PriceSource = string(quote.Source)
			total = total.Add(value)
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":         acct,
		"positions":       views,
		"portfolio_value": total,
	})
}

// InitiateCall places an outbound call to the user now
func (h *Handler) InitiateCall(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		PhoneNumber string `json:"phone_number"`
	}
	// Body is optional; default to the account's phone number.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.PhoneNumber == "" {
		acct, err := h.DB.GetAccount(r.Context(), uid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to retrieve account")
			return
		}
		req.PhoneNumber = acct.PhoneNumber
	}

	session, err := h.Orch.StartOutboundCall(r.Context(), uid, req.PhoneNumber)
	if err != nil {
		h.Log.WithError(err).Error("failed to initiate call")
		writeError(w, http.StatusBadGateway, "failed to initiate call")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// GetCall returns a call session with its transcript
func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	session, err := h.DB.GetCall(r.Context(), chi.URLParam(r, "id"))
	if err != nil || session.UserID != uid {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	transcript, err := h.DB.GetTranscript(r.Context(), session.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve transcript")
		return
	}
	if transcript == nil {
		transcript = []models.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"call":       session,
		"transcript": transcript,
	})
}

// CreateSchedule registers a recurring call schedule
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		PhoneNumber string `json:"phone_number"`
		CallTime    string `json:"call_time"`
		CallType    string `json:"call_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := time.Parse("15:04", req.CallTime); err != nil {
		writeError(w, http.StatusBadRequest, "call_time must be HH:MM")
		return
	}
	callType := models.CallType(req.CallType)
	switch callType {
	case models.CallTypeMarketOpen, models.CallTypeMidDay, models.CallTypeMarketClose:
	default:
		writeError(w, http.StatusBadRequest, "invalid call_type")
		return
	}
	formatted, err := call.FormatE164(req.PhoneNumber)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid phone_number")
		return
	}

	sched := &models.CallSchedule{
		UserID:      uid,
		PhoneNumber: formatted,
		CallTime:    req.CallTime,
		CallType:    callType,
		Status:      models.ScheduleActive,
	}
	if err := h.DB.CreateSchedule(r.Context(), sched); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// GetSchedules lists a user's call schedules
func (h *Handler) GetSchedules(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	schedules, err := h.DB.GetUserSchedules(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve schedules")
		return
	}
	if schedules == nil {
		schedules = []models.CallSchedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

// CancelSchedule cancels a call schedule. Sessions already spawned from it
// are unaffected.
func (h *Handler) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	scheduleID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	if err := h.DB.CancelSchedule(r.Context(), scheduleID, uid); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "schedule cancelled"})
}

// voiceReply is the JSON the telephony gateway turns into speech.
type voiceReply struct {
	Say    string `json:"say"`
	Gather bool   `json:"gather"`
}

// CallConnect is hit by the provider when the call connects; responds with
// the broker's greeting.
func (h *Handler) CallConnect(w http.ResponseWriter, r *http.Request) {
	greeting, err := h.Orch.Connect(r.Context(), r.FormValue("CallSid"))
	if err != nil {
		h.Log.WithError(err).Warn("connect for unknown call")
		writeJSON(w, http.StatusOK, voiceReply{
			Say: "Sorry, there was a problem connecting you to your broker. Please try again later.",
		})
		return
	}
	writeJSON(w, http.StatusOK, voiceReply{Say: greeting, Gather: true})
}

// CallInbound registers a call the user placed to us and greets them.
func (h *Handler) CallInbound(w http.ResponseWriter, r *http.Request) {
	providerCallID := r.FormValue("CallSid")
	if _, err := h.Orch.StartInboundCall(r.Context(), providerCallID, r.FormValue("From")); err != nil {
		h.Log.WithError(err).Warn("inbound call from unknown number")
		writeJSON(w, http.StatusOK, voiceReply{
			Say: "Sorry, I don't recognize this number. Goodbye.",
		})
		return
	}
	greeting, err := h.Orch.Connect(r.Context(), providerCallID)
	if err != nil {
		writeJSON(w, http.StatusOK, voiceReply{Say: "Sorry, something went wrong. Goodbye."})
		return
	}
	writeJSON(w, http.StatusOK, voiceReply{Say: greeting, Gather: true})
}

// CallWebhook processes provider status callbacks
func (h *Handler) CallWebhook(w http.ResponseWriter, r *http.Request) {
	err := h.Orch.HandleWebhook(r.Context(), call.WebhookEvent{
		ProviderCallID: r.FormValue("CallSid"),
		Status:         r.FormValue("CallStatus"),
		ErrorReason:    r.FormValue("ErrorCode"),
	})
	if err != nil {
		h.Log.WithError(err).Error("webhook handling failed")
		writeError(w, http.StatusInternalServerError, "webhook handling failed")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// CallSpeech processes a recognized utterance and returns the broker's reply
func (h *Handler) CallSpeech(w http.ResponseWriter, r *http.Request) {
	transcription := r.FormValue("SpeechResult")
	if transcription == "" {
		writeJSON(w, http.StatusOK, voiceReply{
			Say:    "I didn't catch that. Could you please repeat?",
			Gather: true,
		})
		return
	}

	reply, gatherMore, err := h.Orch.HandleUtterance(r.Context(), r.FormValue("CallSid"), transcription)
	if err != nil {
		h.Log.WithError(err).Warn("speech for unknown call")
		writeJSON(w, http.StatusOK, voiceReply{Say: "Sorry, this call is no longer active."})
		return
	}
	writeJSON(w, http.StatusOK, voiceReply{Say: reply, Gather: gatherMore})
}

// CallRecording stores a recording URL, which may arrive after completion
func (h *Handler) CallRecording(w http.ResponseWriter, r *http.Request) {
	err := h.Orch.HandleRecording(r.Context(), r.FormValue("CallSid"), r.FormValue("RecordingUrl"))
	if err != nil {
		h.Log.WithError(err).Error("recording handling failed")
		writeError(w, http.StatusInternalServerError, "recording handling failed")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Subscribe upgrades to a websocket and streams the user's events until the
// connection drops. Events sent while disconnected are not replayed.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	uid, err := h.AuthService.GetUserFromToken(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sub := h.Broadcaster.Subscribe(uid, conn)
	defer h.Broadcaster.Unsubscribe(sub)

	// Reads only detect disconnection; clients don't send anything.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
