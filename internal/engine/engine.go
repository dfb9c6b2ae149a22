// Package engine executes trade intents against the paper-trading ledger.
//
// All balance, position, and trade-record mutations for one trade happen in a
// single store transaction: a rejected or failed trade leaves the account
// exactly as it was. Trades for the same account are serialized through a
// per-user lock; trades for different accounts never contend.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/brokercall/internal/marketdata"
	"github.com/xtrntr/brokercall/internal/models"
)

// Tx is the set of ledger operations available inside one transaction.
// Reads take row locks so concurrent transactions for the same account
// cannot interleave.
type Tx interface {
	Account() (*models.Account, error)
	// Position returns nil without error when the user holds no shares of
	// the ticker.
	Position(ticker string) (*models.Position, error)
	SetCashBalance(balance decimal.Decimal) error
	UpsertPosition(ticker string, quantity int64, avgCost decimal.Decimal) error
	DeletePosition(ticker string) error
	// InsertTrade fills in the trade's ID and ExecutedAt on success.
	InsertTrade(trade *models.Trade) error
}

// Store runs fn atomically: if fn returns an error, nothing it did is kept.
type Store interface {
	Transact(ctx context.Context, userID int, fn func(tx Tx) error) error
}

// QuoteGetter supplies execution prices.
type QuoteGetter interface {
	GetQuote(ctx context.Context, ticker string, freshness marketdata.Freshness) (models.Quote, error)
}

// Publisher pushes events to live subscribers.
type Publisher interface {
	Publish(userID int, event models.Event)
}

// Engine is the trade execution engine.
type Engine struct {
	store  Store
	quotes QuoteGetter
	events Publisher
	log    *logrus.Logger

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// New creates an execution engine.
func New(store Store, quotes QuoteGetter, events Publisher, log *logrus.Logger) *Engine {
	return &Engine{
		store:  store,
		quotes: quotes,
		events: events,
		log:    log,
		locks:  make(map[int]*sync.Mutex),
	}
}

// lockFor returns the mutex owning trade execution for one account.
// Call handling and direct API trades are concurrent actors, so the
// serialization must be explicit rather than incidental.
func (e *Engine) lockFor(userID int) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[userID] = l
	}
	return l
}

// Execute runs a trade intent for a user and returns the recorded trade.
// Business-rule failures are reported as the models.Err* rejection values;
// the ledger is untouched in every rejection or error path.
func (e *Engine) Execute(ctx context.Context, userID int, intent models.TradeIntent, callID *string) (*models.Trade, error) {
	if intent.Quantity <= 0 {
		return nil, models.ErrInvalidQuantity
	}
	if intent.Action != models.ActionBuy && intent.Action != models.ActionSell {
		return nil, fmt.Errorf("unknown trade action %q", intent.Action)
	}

	lock := e.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	quote, err := e.quotes.GetQuote(ctx, intent.Ticker, marketdata.AllowCached)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"user_id": userID,
			"ticker":  intent.Ticker,
		}).WithError(err).Warn("quote unavailable, rejecting trade")
		return nil, models.ErrQuoteUnavailable
	}

	total := quote.Price.Mul(decimal.NewFromInt(intent.Quantity))
	trade := &models.Trade{
		UserID:     userID,
		Ticker:     intent.Ticker,
		Action:     intent.Action,
		Quantity:   intent.Quantity,
		Price:      quote.Price,
		TotalValue: total,
		CallID:     callID,
	}

	err = e.store.Transact(ctx, userID, func(tx Tx) error {
		if intent.Action == models.ActionBuy {
			return applyBuy(tx, trade)
		}
		return applySell(tx, trade)
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"user_id":  userID,
		"action":   trade.Action,
		"ticker":   trade.Ticker,
		"quantity": trade.Quantity,
		"price":    trade.Price,
	}).Info("trade executed")

	e.events.Publish(userID, models.Event{Type: models.EventTradeExecuted, Trade: trade})
	return trade, nil
}

// applyBuy debits cash and folds the purchase into the position's
// weighted-average cost basis.
func applyBuy(tx Tx, trade *models.Trade) error {
	acct, err := tx.Account()
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if trade.TotalValue.GreaterThan(acct.CashBalance) {
		return models.ErrInsufficientFunds
	}
	if err := tx.SetCashBalance(acct.CashBalance.Sub(trade.TotalValue)); err != nil {
		return fmt.Errorf("debit cash: %w", err)
	}

	pos, err := tx.Position(trade.Ticker)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	quantity := trade.Quantity
	avgCost := trade.Price
	if pos != nil {
		quantity = pos.Quantity + trade.Quantity
		totalCost := pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity)).Add(trade.TotalValue)
		avgCost = totalCost.Div(decimal.NewFromInt(quantity))
	}
	if err := tx.UpsertPosition(trade.Ticker, quantity, avgCost); err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return tx.InsertTrade(trade)
}

// applySell credits cash and reduces the position. The average cost of the
// remaining shares is unchanged; a position sold to zero is deleted so a
// later buy starts a fresh cost basis.
func applySell(tx Tx, trade *models.Trade) error {
	acct, err := tx.Account()
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	pos, err := tx.Position(trade.Ticker)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	if pos == nil || pos.Quantity < trade.Quantity {
		return models.ErrInsufficientShares
	}
	if err := tx.SetCashBalance(acct.CashBalance.Add(trade.TotalValue)); err != nil {
		return fmt.Errorf("credit cash: %w", err)
	}

	remaining := pos.Quantity - trade.Quantity
	if remaining == 0 {
		if err := tx.DeletePosition(trade.Ticker); err != nil {
			return fmt.Errorf("clear position: %w", err)
		}
	} else {
		if err := tx.UpsertPosition(trade.Ticker, remaining, pos.AvgCost); err != nil {
			return fmt.Errorf("update position: %w", err)
		}
	}
	return tx.InsertTrade(trade)
}
