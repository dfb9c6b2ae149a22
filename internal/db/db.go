// Package db is the Postgres persistence layer for accounts, positions,
// trades, call sessions, transcripts, and call schedules.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/brokercall/internal/engine"
	"github.com/xtrntr/brokercall/internal/models"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// GetAccount retrieves a user's account by id
func (db *DB) GetAccount(ctx context.Context, userID int) (*models.Account, error) {
	acct := &models.Account{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, name, username, phone_number, cash_balance, created_at FROM users WHERE id = $1",
		userID).Scan(&acct.UserID, &acct.Name, &acct.Username, &acct.PhoneNumber, &acct.CashBalance, &acct.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// GetAccountByPhone retrieves a user's account by phone number, used to
// identify inbound callers
func (db *DB) GetAccountByPhone(ctx context.Context, phoneNumber string) (*models.Account, error) {
	acct := &models.Account{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, name, username, phone_number, cash_balance, created_at FROM users WHERE phone_number = $1",
		phoneNumber).Scan(&acct.UserID, &acct.Name, &acct.Username, &acct.PhoneNumber, &acct.CashBalance, &acct.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get account by phone: %w", err)
	}
	return acct, nil
}

// GetCredentials retrieves a user's id and password hash by username
func (db *DB) GetCredentials(ctx context.Context, username string) (int, string, error) {
	var userID int
	var hash string
	err := db.Pool.QueryRow(ctx,
		"SELECT id, password_hash FROM users WHERE username = $1",
		username).Scan(&userID, &hash)
	if err != nil {
		return 0, "", fmt.Errorf("failed to get user: %w", err)
	}
	return userID, hash, nil
}

// GetPositions retrieves all open positions for a user
func (db *DB) GetPositions(ctx context.Context, userID int) ([]models.Position, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT user_id, ticker, quantity, avg_cost, updated_at FROM positions WHERE user_id = $1 ORDER BY ticker",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var pos models.Position
		if err := rows.Scan(&pos.UserID, &pos.Ticker, &pos.Quantity, &pos.AvgCost, &pos.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// GetTrades retrieves a user's trade history, newest first
func (db *DB) GetTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, user_id, ticker, action, quantity, price, total_value, call_id, executed_at "+
			"FROM trades WHERE user_id = $1 ORDER BY executed_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var trade models.Trade
		if err := rows.Scan(&trade.ID, &trade.UserID, &trade.Ticker, &trade.Action, &trade.Quantity,
			&trade.Price, &trade.TotalValue, &trade.CallID, &trade.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// Transact runs fn inside a single transaction against one user's ledger.
// Any error from fn rolls everything back; the engine relies on this for
// its no-partial-effects guarantee.
func (db *DB) Transact(ctx context.Context, userID int, fn func(tx engine.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&ledgerTx{ctx: ctx, tx: tx, userID: userID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ledgerTx implements engine.Tx on top of a pgx transaction. Account and
// position reads lock their rows, so two transactions for the same user
// cannot interleave even without the engine's per-account lock.
type ledgerTx struct {
	ctx    context.Context
	tx     pgx.Tx
	userID int
}

func (t *ledgerTx) Account() (*models.Account, error) {
	acct := &models.Account{}
	err := t.tx.QueryRow(t.ctx,
		"SELECT id, name, username, phone_number, cash_balance, created_at FROM users WHERE id = $1 FOR UPDATE",
		t.userID).Scan(&acct.UserID, &acct.Name, &acct.Username, &acct.PhoneNumber, &acct.CashBalance, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %d not found", t.userID)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

func (t *ledgerTx) Position(ticker string) (*models.Position, error) {
	pos := &models.Position{}
	err := t.tx.QueryRow(t.ctx,
		"SELECT user_id, ticker, quantity, avg_cost, updated_at FROM positions WHERE user_id = $1 AND ticker = $2 FOR UPDATE",
		t.userID, ticker).Scan(&pos.UserID, &pos.Ticker, &pos.Quantity, &pos.AvgCost, &pos.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return pos, nil
}

func (t *ledgerTx) SetCashBalance(balance decimal.Decimal) error {
	_, err := t.tx.Exec(t.ctx,
		"UPDATE users SET cash_balance = $1 WHERE id = $2", balance, t.userID)
	if err != nil {
		return fmt.Errorf("failed to update cash balance: %w", err)
	}
	return nil
}

func (t *ledgerTx) UpsertPosition(ticker string, quantity int64, avgCost decimal.Decimal) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO positions (user_id, ticker, quantity, avg_cost, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (user_id, ticker)
		 DO UPDATE SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost, updated_at = NOW()`,
		t.userID, ticker, quantity, avgCost)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

func (t *ledgerTx) DeletePosition(ticker string) error {
	_, err := t.tx.Exec(t.ctx,
		"DELETE FROM positions WHERE user_id = $1 AND ticker = $2", t.userID, ticker)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

func (t *ledgerTx) InsertTrade(trade *models.Trade) error {
	err := t.tx.QueryRow(t.ctx,
		`INSERT INTO trades (user_id, ticker, action, quantity, price, total_value, call_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, executed_at`,
		trade.UserID, trade.Ticker, trade.Action, trade.Quantity, trade.Price, trade.TotalValue, trade.CallID).
		Scan(&trade.ID, &trade.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}
