package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/brokercall/internal/marketdata"
	"github.com/xtrntr/brokercall/internal/models"
)

// memStore is an in-memory Store with commit/rollback semantics: a failed fn
// leaves the ledger untouched, like the real transaction does.
type memStore struct {
	mu        sync.Mutex
	cash      map[int]decimal.Decimal
	positions map[int]map[string]models.Position
	trades    []models.Trade
	nextID    int
}

func newMemStore() *memStore {
	return &memStore{
		cash:      make(map[int]decimal.Decimal),
		positions: make(map[int]map[string]models.Position),
	}
}

func (s *memStore) Transact(ctx context.Context, userID int, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		userID:    userID,
		cash:      s.cash[userID],
		positions: make(map[string]models.Position),
	}
	for k, v := range s.positions[userID] {
		tx.positions[k] = v
	}

	if err := fn(tx); err != nil {
		return err
	}

	s.cash[userID] = tx.cash
	s.positions[userID] = tx.positions
	for i := range tx.inserted {
		s.nextID++
		tx.inserted[i].ID = s.nextID
		s.trades = append(s.trades, tx.inserted[i])
	}
	return nil
}

type memTx struct {
	userID    int
	cash      decimal.Decimal
	positions map[string]models.Position
	inserted  []models.Trade
}

func (t *memTx) Account() (*models.Account, error) {
	return &models.Account{UserID: t.userID, CashBalance: t.cash}, nil
}

func (t *memTx) Position(ticker string) (*models.Position, error) {
	pos, ok := t.positions[ticker]
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

func (t *memTx) SetCashBalance(balance decimal.Decimal) error {
	t.cash = balance
	return nil
}

func (t *memTx) UpsertPosition(ticker string, quantity int64, avgCost decimal.Decimal) error {
	t.positions[ticker] = models.Position{UserID: t.userID, Ticker: ticker, Quantity: quantity, AvgCost: avgCost}
	return nil
}

func (t *memTx) DeletePosition(ticker string) error {
	delete(t.positions, ticker)
	return nil
}

func (t *memTx) InsertTrade(trade *models.Trade) error {
	trade.ExecutedAt = time.Now()
	t.inserted = append(t.inserted, *trade)
	return nil
}

type fixedQuotes struct {
	prices map[string]decimal.Decimal
	err    error
}

func (q *fixedQuotes) GetQuote(ctx context.Context, ticker string, freshness marketdata.Freshness) (models.Quote, error) {
	if q.err != nil {
		return models.Quote{}, q.err
	}
	price, ok := q.prices[ticker]
	if !ok {
		return models.Quote{}, models.ErrQuoteUnavailable
	}
	return models.Quote{Ticker: ticker, Price: price, FetchedAt: time.Now(), Source: models.SourceLive}, nil
}

type recordedEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordedEvents) Publish(userID int, event models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestEngine(store *memStore, prices map[string]decimal.Decimal) (*Engine, *recordedEvents) {
	events := &recordedEvents{}
	return New(store, &fixedQuotes{prices: prices}, events, testLogger()), events
}

func TestExecute_BuyDebitsCashAndOpensPosition(t *testing.T) {
	store := newMemStore()
	store.cash[1] = decimal.NewFromInt(10000)
	eng, events := newTestEngine(store, map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(150)})

	trade, err := eng.Execute(context.Background(), 1, models.TradeIntent{
		Action: models.ActionBuy, Ticker: "AAPL", Quantity: 10,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "AAPL", trade.Ticker)
	assert.True(t, trade.TotalValue.Equal(decimal.NewFromInt(1500)))
	assert.True(t, store.cash[1].Equal(decimal.NewFromInt(8500)))

	pos := store.positions[1]["AAPL"]
	assert.Equal(t, int64(10), pos.Quantity)
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromInt(150)))

	require.Len(t, events.events, 1)
	assert.Equal(t, models.EventTradeExecuted, events.events[0].Type)
}

func TestExecute_BuyAveragesCostBasis(t *testing.T) {
	store := newMemStore()
	store.cash[1] = decimal.NewFromInt(10000)
	prices := map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(100)}
	eng, _ := newTestEngine(store, prices)

	_, err := eng.Execute(context.Background(), 1, models.TradeIntent{
		Action: models.ActionBuy, Ticker: "AAPL", Quantity: 10,
	}, nil)
	require.NoError(t, err)

	prices["AAPL"] = decimal.NewFromInt(120)
	_, err = eng.Execute(context.Background(), 1, models.TradeIntent{
		Action: models.ActionBuy, Ticker: "AAPL", Quantity: 10,
	}, nil)
	require.NoError(t, err)

	pos := store.positions[1]["AAPL"]
	assert.Equal(t, int64(20), pos.Quantity)
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromInt(110)), "got avg cost %s", pos.AvgCost)
}

func TestExecute_BuyInsufficientFunds(t *testing.T) {
	store := newMemStore()
	store.cash[1] = decimal.NewFromInt(100)
	eng, events := newTestEngine(store, map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(150)})

	_, err := eng.Execute(context.Background(), 1, models.TradeIntent{
		Action: models.ActionBuy, Ticker: "AAPL", Quantity: 10,
	}, nil)
	require.ErrorIs(t, err, models.ErrInsufficientFunds)

	// Ledger untouched after a rejection.
	assert.True(t, store.cash[1].Equal(decimal.NewFromInt(100)))
	assert.Empty(t, store.positions[1])
	assert.Empty(t, store.trades)
	assert.Empty(t, events.events)
}

func TestExecute_SellPartialKeepsCostBasis(t *testing.T) {
	store := newMemStore()
	store.cash[1] = decimal.NewFromInt(1000)
	store.positions[1] = map[string]models.Position{
		"MSFT": {UserID: 1, Ticker: "MSFT", Quantity: 20, AvgCost: decimal.NewFromInt(300)},
	}
	eng, _ := newTestEngine(store, map[string]decimal.Decimal{"MSFT": decimal.NewFromInt(350)})

	trade, err := eng.Execute(context.Background(), 1, models.TradeIntent{
		Action: models.ActionSell, Ticker: "MSFT", Quantity: 5,
	}, nil)
	require.NoError(t, err)

	assert.True(t, trade.TotalValue.Equal(decimal.NewFromInt(1750)))
	assert.True(t, store.cash[1].Equal(decimal.NewFromInt(2750)))

	pos := store.positions[1]["MSFT"]
	assert.Equal(t, int64(15), pos.Quantity)
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromInt(300)), "selling must not change cost basis")
}

func TestExecute_SellAllDeletesPosition(t *testing.T) {
	store := newMemStore()
	store.cash[1] = decimal.Zero
	store.positions[1] = map[string]models.Position{
		"MSFT": {UserID: 1, Ticker: "MSFT", Quantity: 10, AvgCost: decimal.NewFromInt(300)},
	}
	eng, _ := newTestEngine(store, map[string]decimal.Decimal{"MSFT": decimal.NewFromInt(310)})

	_, err := eng.Execute(context.Background(), 1, models.TradeIntent{
		Action: models.ActionSell, Ticker: "MSFT", Quantity: 10,
	}, nil)
	require.NoError(t, err)

	_, held := store.positions[1]["MSFT"]
	assert.False(t, held, "fully sold position should be deleted")
}

func TestExecute_SellInsufficientShares(t *testing.T) {
	store := newMemStore()
	store.cash[1] = decimal.NewFromInt(1000)
	store.positions[1] = map[string]models.Position{
		"AAPL": {UserID: 1, Ticker: "AAPL", Quantity: 10, AvgCost: decimal.NewFromInt(150)},
	}
	eng, _ := newTestEngine(store, map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(150)})

	_, err := eng.Execute(context.Background(), 1, models.TradeIntent{
		Action: models.ActionSell, Ticker: "AAPL", Quantity: 15,
	}, nil)
	require.ErrorIs(t, err, models.ErrInsufficientShares)

	assert.True(t, store.cash[1].Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, int64(10), store.positions[1]["AAPL"].Quantity)
}

func TestExecute_SellUnheldTicker(t *testing.T) {
	store := newMemStore()
	store.cash[1] = decimal.NewFromInt(1000)
	eng, _ := newTestEngine(store, map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(150)})

	_, err := eng.Execute(context.Background(), 1, models.TradeIntent{
		Action: models.ActionSell, Ticker: "AAPL", Quantity: 1,
	}, nil)
	require.ErrorIs(t, err, models.ErrInsufficientShares)
}

func TestExecute_InvalidQuantity(t *testing.T) {
	eng, _ := newTestEngine(newMemStore(), nil)

	for _, qty := range []int64{0, -5} {
		_, err := eng.Execute(context.Background(), 1, models.TradeIntent{
			Action: models.ActionBuy, Ticker: "AAPL", Quantity: qty,
		}, nil)
		assert.ErrorIs(t, err, models.ErrInvalidQuantity)
	}
}

func TestExecute_QuoteUnavailable(t *testing.T) {
	store := newMemStore()
	store.cash[1] = decimal.NewFromInt(10000)
	events := &recordedEvents{}
	eng := New(store, &fixedQuotes{err: errors.New("upstream down")}, events, testLogger())

	_, err := eng.Execute(context.Background(), 1, models.TradeIntent{
		Action: models.ActionBuy, Ticker: "AAPL", Quantity: 1,
	}, nil)
	require.ErrorIs(t, err, models.ErrQuoteUnavailable)
	assert.True(t, store.cash[1].Equal(decimal.NewFromInt(10000)))
}

func TestExecute_TradeCarriesCallID(t *testing.T) {
	store := newMemStore()
	store.cash[1] = decimal.NewFromInt(10000)
	eng, _ := newTestEngine(store, map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(150)})

	callID := "abc-123"
	trade, err := eng.Execute(context.Background(), 1, models.TradeIntent{
		Action: models.ActionBuy, Ticker: "AAPL", Quantity: 1,
	}, &callID)
	require.NoError(t, err)
	require.NotNil(t, trade.CallID)
	assert.Equal(t, "abc-123", *trade.CallID)
}

func TestExecute_ConcurrentBuysNeverOverspend(t *testing.T) {
	store := newMemStore()
	store.cash[1] = decimal.NewFromInt(1000)
	eng, _ := newTestEngine(store, map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(150)})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.Execute(context.Background(), 1, models.TradeIntent{
				Action: models.ActionBuy, Ticker: "AAPL", Quantity: 2,
			}, nil)
		}()
	}
	wg.Wait()

	// 1000 cash buys at most 3 lots of 2 shares at 150.
	assert.True(t, store.cash[1].GreaterThanOrEqual(decimal.Zero),
		"cash went negative: %s", store.cash[1])
	assert.Equal(t, int64(6), store.positions[1]["AAPL"].Quantity)
	assert.Len(t, store.trades, 3)
}
