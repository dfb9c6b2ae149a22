package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Rejection reasons for trade execution and intent validation. These are
// expected business-rule failures: they are reported to the caller, never
// retried, and never change stored state. The error text doubles as the
// machine-readable reason code on the API.
var (
	ErrInsufficientFunds  = errors.New("insufficient_funds")
	ErrInsufficientShares = errors.New("insufficient_shares")
	ErrUnresolvableTicker = errors.New("unresolvable_ticker")
	ErrInvalidQuantity    = errors.New("invalid_quantity")
	ErrQuoteUnavailable   = errors.New("quote_unavailable")
)

// Account is a user's paper-trading account. Cash is mutated only by the
// trade execution engine and never goes negative.
type Account struct {
	UserID      int             `json:"user_id"`
	Name        string          `json:"name"`
	Username    string          `json:"username"`
	PhoneNumber string          `json:"phone_number"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Position is a holding in a single ticker. The row is deleted when quantity
// reaches zero, so a later buy starts a fresh cost basis.
type Position struct {
	UserID    int             `json:"user_id"`
	Ticker    string          `json:"ticker"`
	Quantity  int64           `json:"quantity"`
	AvgCost   decimal.Decimal `json:"avg_cost"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// Trade is an immutable record of an executed paper trade.
type Trade struct {
	ID         int             `json:"id"`
	UserID     int             `json:"user_id"`
	Ticker     string          `json:"ticker"`
	Action     TradeAction     `json:"action"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	TotalValue decimal.Decimal `json:"total_value"`
	CallID     *string         `json:"call_id,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// CallStatus is the lifecycle state of a call session. Transitions are
// strictly forward: Rank orders the states so that a webhook carrying an
// older status is detected as a duplicate and ignored.
type CallStatus string

const (
	CallRequested        CallStatus = "requested"
	CallProviderAccepted CallStatus = "provider_accepted"
	CallInProgress       CallStatus = "in_progress"
	CallCompleted        CallStatus = "completed"
	CallFailed           CallStatus = "failed"
)

var callStatusRank = map[CallStatus]int{
	CallRequested:        0,
	CallProviderAccepted: 1,
	CallInProgress:       2,
	CallCompleted:        3,
	CallFailed:           3,
}

// Rank returns the position of the status in the call lifecycle. Terminal
// states share the highest rank.
func (s CallStatus) Rank() int {
	return callStatusRank[s]
}

// Terminal reports whether no further status transition is accepted.
func (s CallStatus) Terminal() bool {
	return s == CallCompleted || s == CallFailed
}

type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallSession tracks one voice call from request to completion.
// ProviderCallID is empty until the telephony provider accepts the call and
// becomes the correlation key for all subsequent webhooks.
type CallSession struct {
	ID              string        `json:"id"`
	ProviderCallID  string        `json:"provider_call_id,omitempty"`
	UserID          int           `json:"user_id"`
	PhoneNumber     string        `json:"phone_number"`
	Direction       CallDirection `json:"direction"`
	Status          CallStatus    `json:"status"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	RecordingURL    string        `json:"recording_url,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	DurationSeconds *int          `json:"duration_seconds,omitempty"`
}

type CallType string

const (
	CallTypeMarketOpen  CallType = "market_open"
	CallTypeMidDay      CallType = "mid_day"
	CallTypeMarketClose CallType = "market_close"
)

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "scheduled"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// CallSchedule is a recurring request for an outbound call. Its lifecycle is
// independent of the sessions it spawns: cancelling a schedule never affects
// a session already created from it.
type CallSchedule struct {
	ID          int            `json:"id"`
	UserID      int            `json:"user_id"`
	PhoneNumber string         `json:"phone_number"`
	CallTime    string         `json:"call_time"` // "HH:MM", 24h
	CallType    CallType       `json:"call_type"`
	Status      ScheduleStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}

type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerBroker Speaker = "broker"
)

// TranscriptEntry is one line of a call's conversation log, ordered by Seq.
type TranscriptEntry struct {
	CallID   string    `json:"call_id"`
	Seq      int       `json:"seq"`
	Speaker  Speaker   `json:"speaker"`
	Content  string    `json:"content"`
	SpokenAt time.Time `json:"spoken_at"`
}

// TradeIntent is the structured instruction extracted from an utterance.
// It is ephemeral: consumed once by the execution engine, never persisted.
type TradeIntent struct {
	Action     TradeAction `json:"action"`
	Ticker     string      `json:"ticker"`
	Quantity   int64       `json:"quantity"`
	Confidence float64     `json:"confidence"`
}

type QuoteSource string

const (
	SourceLive          QuoteSource = "live"
	SourceStaleFallback QuoteSource = "stale_fallback"
)

// Quote is a cached market price. Callers that cannot tolerate staleness
// must check Source.
type Quote struct {
	Ticker    string          `json:"ticker"`
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetched_at"`
	Source    QuoteSource     `json:"source"`
}

// IndexQuote is one index-level aggregate inside a market summary.
type IndexQuote struct {
	Price         decimal.Decimal `json:"price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}

// MarketSummary is the cached index-level view of the market, used for the
// broker's call greeting.
type MarketSummary struct {
	SP500     IndexQuote  `json:"sp500"`
	Dow       IndexQuote  `json:"dow"`
	Nasdaq    IndexQuote  `json:"nasdaq"`
	FetchedAt time.Time   `json:"fetched_at"`
	Source    QuoteSource `json:"source"`
}

type EventType string

const (
	EventTradeExecuted     EventType = "trade_executed"
	EventCallStatusChanged EventType = "call_status_changed"
)

// Event is a broadcast message pushed to live subscribers. Delivery is
// best-effort, at most once.
type Event struct {
	Type  EventType    `json:"type"`
	Trade *Trade       `json:"trade,omitempty"`
	Call  *CallSession `json:"call,omitempty"`
}
