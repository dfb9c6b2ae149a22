// Package call drives voice sessions: it owns the CallSession state machine,
// feeds utterances through the intent parser and execution engine, and keeps
// the conversation transcript ordered.
//
// Webhook delivery from the telephony provider is at-least-once and may be
// out of order, so every transition is idempotent and monotonic: a session
// never moves backward, and duplicates are no-ops.
package call

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/brokercall/internal/intent"
	"github.com/xtrntr/brokercall/internal/marketdata"
	"github.com/xtrntr/brokercall/internal/models"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateCall(ctx context.Context, call *models.CallSession) error
	GetCall(ctx context.Context, id string) (*models.CallSession, error)
	GetCallByProviderID(ctx context.Context, providerCallID string) (*models.CallSession, error)
	UpdateCall(ctx context.Context, call *models.CallSession) error
	AppendTranscript(ctx context.Context, entry *models.TranscriptEntry) error
	GetAccount(ctx context.Context, userID int) (*models.Account, error)
	GetAccountByPhone(ctx context.Context, phoneNumber string) (*models.Account, error)
	GetPositions(ctx context.Context, userID int) ([]models.Position, error)
}

// TelephonyProvider places outbound calls. The returned provider call id is
// the correlation key for all subsequent webhooks.
type TelephonyProvider interface {
	PlaceCall(ctx context.Context, to string, sessionID string) (string, error)
}

// Executor runs validated trade intents.
type Executor interface {
	Execute(ctx context.Context, userID int, intent models.TradeIntent, callID *string) (*models.Trade, error)
}

// IntentParser translates utterances.
type IntentParser interface {
	Parse(ctx context.Context, utterance string, sessCtx intent.SessionContext) (intent.Result, error)
	Symbols() *intent.SymbolTable
}

// SummaryGetter supplies the market summary for greetings.
type SummaryGetter interface {
	GetSummary(ctx context.Context, freshness marketdata.Freshness) (*models.MarketSummary, error)
}

// Publisher pushes call events to live subscribers.
type Publisher interface {
	Publish(userID int, event models.Event)
}

// WebhookEvent is a provider status callback, normalized at the API edge.
type WebhookEvent struct {
	ProviderCallID string
	Status         string
	ErrorReason    string
}

// Orchestrator coordinates call sessions.
type Orchestrator struct {
	store      Store
	parser     IntentParser
	executor   Executor
	market     SummaryGetter
	telephony  TelephonyProvider
	events     Publisher
	ackTimeout time.Duration
	log        *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState is in-memory, per-session runtime state. The mutex serializes
// every mutation of the session: webhooks, recordings, the ack timer, and
// utterance handling all take it, and re-read the persisted row under it, so
// concurrently delivered callbacks cannot race the rank check.
type sessionState struct {
	mu       sync.Mutex
	pending  *models.TradeIntent
	ackTimer *time.Timer
}

// New creates an orchestrator. ackTimeout bounds how long a requested call
// waits for the provider's acknowledgement.
func New(store Store, parser IntentParser, executor Executor, market SummaryGetter,
	telephony TelephonyProvider, events Publisher, ackTimeout time.Duration, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		parser:     parser,
		executor:   executor,
		market:     market,
		telephony:  telephony,
		events:     events,
		ackTimeout: ackTimeout,
		log:        log,
		sessions:   make(map[string]*sessionState),
	}
}

func (o *Orchestrator) state(sessionID string) *sessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		o.sessions[sessionID] = st
	}
	return st
}

func (o *Orchestrator) clearState(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.sessions[sessionID]; ok {
		if st.ackTimer != nil {
			st.ackTimer.Stop()
		}
		delete(o.sessions, sessionID)
	}
}

// StartOutboundCall creates a session and places the call. The session is
// returned in the requested state; the provider's webhooks drive it forward.
func (o *Orchestrator) StartOutboundCall(ctx context.Context, userID int, phoneNumber string) (*models.CallSession, error) {
	formatted, err := FormatE164(phoneNumber)
	if err != nil {
		return nil, fmt.Errorf("invalid phone number: %w", err)
	}

	call := &models.CallSession{
		ID:          uuid.NewString(),
		UserID:      userID,
		PhoneNumber: formatted,
		Direction:   models.DirectionOutbound,
		Status:      models.CallRequested,
	}
	if err := o.store.CreateCall(ctx, call); err != nil {
		return nil, err
	}

	providerID, err := o.telephony.PlaceCall(ctx, formatted, call.ID)
	if err != nil {
		o.failCall(ctx, call, "provider_error")
		return nil, fmt.Errorf("place call: %w", err)
	}
	call.ProviderCallID = providerID
	if err := o.store.UpdateCall(ctx, call); err != nil {
		return nil, err
	}

	st := o.state(call.ID)
	st.ackTimer = time.AfterFunc(o.ackTimeout, func() { o.ackTimedOut(call.ID) })

	o.log.WithFields(logrus.Fields{
		"call_id":          call.ID,
		"provider_call_id": providerID,
		"user_id":          userID,
	}).Info("outbound call placed")
	o.events.Publish(call.UserID, models.Event{Type: models.EventCallStatusChanged, Call: call})
	return call, nil
}

// StartInboundCall registers a call the provider has already accepted. The
// caller is identified by phone number; unknown numbers are rejected.
func (o *Orchestrator) StartInboundCall(ctx context.Context, providerCallID, fromNumber string) (*models.CallSession, error) {
	formatted, err := FormatE164(fromNumber)
	if err != nil {
		return nil, fmt.Errorf("invalid phone number: %w", err)
	}
	acct, err := o.store.GetAccountByPhone(ctx, formatted)
	if err != nil {
		return nil, fmt.Errorf("unknown caller %s: %w", formatted, err)
	}

	call := &models.CallSession{
		ID:             uuid.NewString(),
		ProviderCallID: providerCallID,
		UserID:         acct.UserID,
		PhoneNumber:    formatted,
		Direction:      models.DirectionInbound,
		Status:         models.CallProviderAccepted,
	}
	if err := o.store.CreateCall(ctx, call); err != nil {
		return nil, err
	}
	o.events.Publish(call.UserID, models.Event{Type: models.EventCallStatusChanged, Call: call})
	return call, nil
}

// dropIfTerminal releases runtime state for a finished session. Callbacks
// arriving after completion would otherwise repopulate the map for good.
func (o *Orchestrator) dropIfTerminal(call *models.CallSession) {
	if call.Status.Terminal() {
		o.clearState(call.ID)
	}
}

// ackTimedOut fails a session still waiting for provider acknowledgement.
func (o *Orchestrator) ackTimedOut(sessionID string) {
	ctx := context.Background()
	st := o.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	call, err := o.store.GetCall(ctx, sessionID)
	if err != nil {
		o.log.WithField("call_id", sessionID).WithError(err).Error("ack timeout: call lookup failed")
		return
	}
	if call.Status != models.CallRequested {
		return
	}
	o.failCall(ctx, call, "provider_timeout")
}

func (o *Orchestrator) failCall(ctx context.Context, call *models.CallSession, reason string) {
	if err := o.transition(ctx, call, models.CallFailed, reason); err != nil {
		o.log.WithField("call_id", call.ID).WithError(err).Error("failed to mark call failed")
	}
}

// HandleWebhook processes a provider status callback. Duplicate,
// out-of-order, and unrecognized events are absorbed without error.
func (o *Orchestrator) HandleWebhook(ctx context.Context, ev WebhookEvent) error {
	call, err := o.store.GetCallByProviderID(ctx, ev.ProviderCallID)
	if err != nil {
		o.log.WithField("provider_call_id", ev.ProviderCallID).Warn("webhook for unknown call, ignoring")
		return nil
	}

	target, ok := mapProviderStatus(ev.Status)
	if !ok {
		o.log.WithFields(logrus.Fields{
			"call_id": call.ID,
			"status":  ev.Status,
		}).Warn("unrecognized provider status, ignoring")
		return nil
	}

	st := o.state(call.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Webhooks are delivered concurrently and the lookup snapshot may
	// already be behind; re-read under the session lock so the rank check
	// runs against the latest persisted status.
	call, err = o.store.GetCall(ctx, call.ID)
	if err != nil {
		return fmt.Errorf("reload call: %w", err)
	}
	defer o.dropIfTerminal(call)
	return o.transition(ctx, call, target, ev.ErrorReason)
}

// HandleRecording stores a recording URL. Recordings may arrive after the
// session is terminal; this is the one allowed post-terminal mutation.
func (o *Orchestrator) HandleRecording(ctx context.Context, providerCallID, url string) error {
	call, err := o.store.GetCallByProviderID(ctx, providerCallID)
	if err != nil {
		o.log.WithField("provider_call_id", providerCallID).Warn("recording for unknown call, ignoring")
		return nil
	}

	st := o.state(call.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// This update writes the whole row, so it must not run against a
	// snapshot that a concurrent status transition has already outdated.
	call, err = o.store.GetCall(ctx, call.ID)
	if err != nil {
		return fmt.Errorf("reload call: %w", err)
	}
	defer o.dropIfTerminal(call)
	if url == "" || call.RecordingURL == url {
		return nil
	}
	call.RecordingURL = url
	return o.store.UpdateCall(ctx, call)
}

// transition advances the session's status. Transitions to a rank at or
// below the current one, or out of a terminal state, are no-ops.
func (o *Orchestrator) transition(ctx context.Context, call *models.CallSession, target models.CallStatus, reason string) error {
	if call.Status.Terminal() || target.Rank() <= call.Status.Rank() {
		return nil
	}

	call.Status = target
	switch target {
	case models.CallCompleted:
		ended := time.Now()
		call.EndedAt = &ended
		duration := int(ended.Sub(call.StartedAt).Seconds())
		call.DurationSeconds = &duration
	case models.CallFailed:
		if reason == "" {
			reason = "provider_error"
		}
		call.FailureReason = reason
		ended := time.Now()
		call.EndedAt = &ended
		duration := int(ended.Sub(call.StartedAt).Seconds())
		call.DurationSeconds = &duration
	}

	if err := o.store.UpdateCall(ctx, call); err != nil {
		return fmt.Errorf("persist call transition: %w", err)
	}

	if target.Terminal() {
		o.clearState(call.ID)
	} else if st := o.state(call.ID); st.ackTimer != nil {
		// Any forward movement means the provider acknowledged the call.
		st.ackTimer.Stop()
	}

	o.log.WithFields(logrus.Fields{
		"call_id": call.ID,
		"status":  call.Status,
	}).Info("call status changed")
	o.events.Publish(call.UserID, models.Event{Type: models.EventCallStatusChanged, Call: call})
	return nil
}

// Connect acknowledges the provider connecting the call and returns the
// broker's greeting.
func (o *Orchestrator) Connect(ctx context.Context, providerCallID string) (string, error) {
	call, err := o.store.GetCallByProviderID(ctx, providerCallID)
	if err != nil {
		return "", fmt.Errorf("unknown call: %w", err)
	}

	st := o.state(call.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	call, err = o.store.GetCall(ctx, call.ID)
	if err != nil {
		return "", fmt.Errorf("reload call: %w", err)
	}
	if err := o.transition(ctx, call, models.CallProviderAccepted, ""); err != nil {
		return "", err
	}

	greeting := o.greeting(ctx, call)
	o.appendTranscript(ctx, call.ID, models.SpeakerBroker, greeting)
	return greeting, nil
}

// HandleUtterance processes one recognized utterance and returns the
// broker's spoken reply plus whether the provider should gather more speech.
// Utterances within a session are strictly sequential.
func (o *Orchestrator) HandleUtterance(ctx context.Context, providerCallID, transcription string) (string, bool, error) {
	call, err := o.store.GetCallByProviderID(ctx, providerCallID)
	if err != nil {
		return "", false, fmt.Errorf("unknown call: %w", err)
	}

	st := o.state(call.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	call, err = o.store.GetCall(ctx, call.ID)
	if err != nil {
		return "", false, fmt.Errorf("reload call: %w", err)
	}
	if call.Status.Terminal() {
		o.clearState(call.ID)
		return "This call has already ended.", false, nil
	}

	// First live speech moves the session into conversation even if the
	// provider's in-progress webhook is delayed.
	if call.Status.Rank() < models.CallInProgress.Rank() {
		if err := o.transition(ctx, call, models.CallInProgress, ""); err != nil {
			return "", false, err
		}
	}

	o.appendTranscript(ctx, call.ID, models.SpeakerUser, transcription)
	reply, gatherMore := o.respond(ctx, call, st, transcription)
	o.appendTranscript(ctx, call.ID, models.SpeakerBroker, reply)
	return reply, gatherMore, nil
}

func (o *Orchestrator) respond(ctx context.Context, call *models.CallSession, st *sessionState, transcription string) (string, bool) {
	if isFarewell(transcription) {
		return "Thanks for trading with us today. Talk soon!", false
	}

	result, err := o.parser.Parse(ctx, transcription, intent.SessionContext{
		Aliases: o.parser.Symbols().Aliases(),
		Prior:   st.pending,
	})
	switch {
	case errors.Is(err, models.ErrUnresolvableTicker):
		return "I don't recognize that ticker symbol. Which stock did you mean?", true
	case errors.Is(err, models.ErrInvalidQuantity):
		return "I need a whole number of shares. How many would you like?", true
	case err != nil:
		o.log.WithField("call_id", call.ID).WithError(err).Error("intent parse failed")
		return "Sorry, something went wrong on my end. Could you repeat that?", true
	}

	switch result.Kind {
	case intent.KindNoIntent:
		st.pending = nil
		if strings.Contains(strings.ToLower(transcription), "market") {
			return o.marketLine(ctx), true
		}
		return "I can place trades for you. Try something like: buy ten shares of Apple.", true
	case intent.KindClarification:
		st.pending = result.Intent
		return result.Prompt, true
	}

	st.pending = nil
	callID := call.ID
	trade, err := o.executor.Execute(ctx, call.UserID, *result.Intent, &callID)
	switch {
	case errors.Is(err, models.ErrInsufficientFunds):
		return "You don't have the cash for that one. Want to try a smaller order?", true
	case errors.Is(err, models.ErrInsufficientShares):
		return "You don't hold that many shares. Want me to check your positions?", true
	case errors.Is(err, models.ErrQuoteUnavailable):
		return "I can't get a price on that right now. Give it a moment and try again.", true
	case err != nil:
		o.log.WithField("call_id", call.ID).WithError(err).Error("trade execution failed")
		return "That trade didn't go through. Let's try again in a bit.", true
	}

	verb := "Bought"
	if trade.Action == models.ActionSell {
		verb = "Sold"
	}
	return fmt.Sprintf("Done! %s %d shares of %s at $%s, total $%s. Anything else?",
		verb, trade.Quantity, trade.Ticker,
		trade.Price.StringFixed(2), trade.TotalValue.StringFixed(2)), true
}

// greeting composes the broker's opening line from the market summary and
// the caller's account. Either source failing degrades the line, never the
// call.
func (o *Orchestrator) greeting(ctx context.Context, call *models.CallSession) string {
	var b strings.Builder
	b.WriteString("Hey")
	if acct, err := o.store.GetAccount(ctx, call.UserID); err == nil {
		if acct.Name != "" {
			b.WriteString(" " + acct.Name)
		}
		b.WriteString(", this is your broker. ")
		b.WriteString("You've got $" + acct.CashBalance.StringFixed(2) + " in cash")
		if positions, err := o.store.GetPositions(ctx, call.UserID); err == nil && len(positions) > 0 {
			b.WriteString(" and " + strconv.Itoa(len(positions)) + " open positions")
		}
		b.WriteString(". ")
	} else {
		b.WriteString(" there, this is your broker. ")
	}
	b.WriteString(o.marketLine(ctx))
	b.WriteString(" What would you like to do today?")
	return b.String()
}

func (o *Orchestrator) marketLine(ctx context.Context) string {
	summary, err := o.market.GetSummary(ctx, marketdata.AllowCached)
	if err != nil {
		return "The market's open and moving."
	}
	return fmt.Sprintf("The S&P 500 is at %s, %s%% on the day.",
		summary.SP500.Price.StringFixed(2), summary.SP500.ChangePercent.StringFixed(2))
}

func (o *Orchestrator) appendTranscript(ctx context.Context, callID string, speaker models.Speaker, content string) {
	entry := &models.TranscriptEntry{CallID: callID, Speaker: speaker, Content: content}
	if err := o.store.AppendTranscript(ctx, entry); err != nil {
		o.log.WithField("call_id", callID).WithError(err).Error("failed to append transcript entry")
	}
}

var farewells = []string{"goodbye", "bye", "that's all", "thats all", "hang up", "nothing else", "i'm done", "im done"}

func isFarewell(transcription string) bool {
	lower := strings.ToLower(transcription)
	for _, f := range farewells {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// mapProviderStatus translates the provider's status vocabulary into the
// session state machine.
func mapProviderStatus(status string) (models.CallStatus, bool) {
	switch strings.ToLower(status) {
	case "initiated", "queued", "ringing":
		return models.CallProviderAccepted, true
	case "answered", "in-progress":
		return models.CallInProgress, true
	case "completed":
		return models.CallCompleted, true
	case "failed", "busy", "no-answer", "canceled":
		return models.CallFailed, true
	default:
		return "", false
	}
}
