package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pmx/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision,
// transferred as text to round-trip decimals losslessly.
// Apply* mutations run inside a transaction with SELECT ... FOR UPDATE row
// locks; a lock_timeout expiry surfaces as model.ErrContention so the
// caller may retry.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// lockTimeout bounds how long an Apply* transaction waits for row locks
// before surfacing contention.
const lockTimeout = "2s"

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the engine's tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id         TEXT PRIMARY KEY,
			balance    NUMERIC NOT NULL CHECK (balance >= 0),
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS markets (
			id                TEXT PRIMARY KEY,
			question          TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			close_time        TIMESTAMPTZ NOT NULL,
			pool_yes          NUMERIC NOT NULL CHECK (pool_yes > 0),
			pool_no           NUMERIC NOT NULL CHECK (pool_no > 0),
			resolved          BOOLEAN NOT NULL DEFAULT FALSE,
			outcome           TEXT,
			resolution_source TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS positions (
			account_id TEXT NOT NULL REFERENCES accounts(id),
			market_id  TEXT NOT NULL REFERENCES markets(id),
			shares_yes NUMERIC NOT NULL DEFAULT 0,
			shares_no  NUMERIC NOT NULL DEFAULT 0,
			PRIMARY KEY (account_id, market_id)
		);
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			amount     NUMERIC NOT NULL,
			kind       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_positions_market ON positions (market_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries (account_id, created_at);
	`)
	return err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *model.Account, grant *model.LedgerEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO accounts (id, balance, created_at) VALUES ($1, $2::NUMERIC, $3)`,
			acct.ID, acct.Balance.String(), acct.CreatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return model.ErrAccountExists
			}
			return fmt.Errorf("create account %s: %w", acct.ID, err)
		}
		if grant != nil {
			if err := insertLedgerEntry(ctx, tx, grant); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}

	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question, description, close_time, pool_yes, pool_no, resolved, resolution_source, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		m.ID, m.Question, m.Description, m.CloseTime,
		m.PoolYes.String(), m.PoolNo.String(), m.Resolved, m.ResolutionSource, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}
	return nil
}

const marketColumns = `id, question, description, close_time,
	pool_yes::TEXT, pool_no::TEXT, resolved, outcome, resolution_source, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var poolYes, poolNo string
	var outcome *string

	err := row.Scan(&m.ID, &m.Question, &m.Description, &m.CloseTime,
		&poolYes, &poolNo, &m.Resolved, &outcome, &m.ResolutionSource, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.PoolYes, _ = decimal.NewFromString(poolYes)
	m.PoolNo, _ = decimal.NewFromString(poolNo)
	if outcome != nil {
		o := model.Outcome(*outcome)
		m.Outcome = &o
	}
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.listMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListOpenMarkets(ctx context.Context) ([]model.Market, error) {
	return s.listMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE NOT resolved ORDER BY created_at DESC`)
}

func (s *PostgresStore) listMarkets(ctx context.Context, query string) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, marketID string) (*model.Position, error) {
	var p model.Position
	var sharesYes, sharesNo string

	err := s.pool.QueryRow(ctx,
		`SELECT account_id, market_id, shares_yes::TEXT, shares_no::TEXT
		 FROM positions WHERE account_id = $1 AND market_id = $2`,
		accountID, marketID).
		Scan(&p.AccountID, &p.MarketID, &sharesYes, &sharesNo)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", accountID, marketID, err)
	}

	p.SharesYes, _ = decimal.NewFromString(sharesYes)
	p.SharesNo, _ = decimal.NewFromString(sharesNo)
	return &p, nil
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, market_id, shares_yes::TEXT, shares_no::TEXT
		 FROM positions WHERE market_id = $1 ORDER BY account_id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var sharesYes, sharesNo string
		if err := rows.Scan(&p.AccountID, &p.MarketID, &sharesYes, &sharesNo); err != nil {
			return nil, err
		}
		p.SharesYes, _ = decimal.NewFromString(sharesYes)
		p.SharesNo, _ = decimal.NewFromString(sharesNo)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListLedgerByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, amount::TEXT, kind, created_at
		 FROM ledger_entries WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, kind string
		if err := rows.Scan(&e.ID, &e.AccountID, &amount, &kind, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.Kind = model.EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ApplyTrade commits all five mutations of a buy in one transaction.
// Row locks are taken in a fixed order (account before market) to match
// the engine's acquisition order and prevent deadlock.
func (s *PostgresStore) ApplyTrade(ctx context.Context, mut TradeMutation) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var balanceStr string
		err := tx.QueryRow(ctx,
			`SELECT balance::TEXT FROM accounts WHERE id = $1 FOR UPDATE`,
			mut.AccountID).Scan(&balanceStr)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrAccountNotFound
		}
		if err != nil {
			return err
		}

		var resolved bool
		err = tx.QueryRow(ctx,
			`SELECT resolved FROM markets WHERE id = $1 FOR UPDATE`, mut.MarketID).
			Scan(&resolved)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrMarketNotFound
		}
		if err != nil {
			return err
		}
		if resolved {
			return model.ErrMarketClosed
		}

		balance, _ := decimal.NewFromString(balanceStr)
		if balance.LessThan(mut.Amount) {
			return model.ErrInsufficientFunds
		}

		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = balance - $2::NUMERIC WHERE id = $1`,
			mut.AccountID, mut.Amount.String()); err != nil {
			return err
		}

		poolColumn, sharesColumn := "pool_yes", "shares_yes"
		if mut.Outcome == model.OutcomeNo {
			poolColumn, sharesColumn = "pool_no", "shares_no"
		}
		if _, err := tx.Exec(ctx,
			`UPDATE markets SET `+poolColumn+` = `+poolColumn+` + $2::NUMERIC WHERE id = $1`,
			mut.MarketID, mut.Amount.String()); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (account_id, market_id, `+sharesColumn+`)
			 VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (account_id, market_id)
			 DO UPDATE SET `+sharesColumn+` = positions.`+sharesColumn+` + $3::NUMERIC`,
			mut.AccountID, mut.MarketID, mut.Shares.String()); err != nil {
			return err
		}

		return insertLedgerEntry(ctx, tx, &mut.Entry)
	})
}

// ApplyResolution flips the resolved flag and credits every staged payout
// in one transaction. The flag check runs under the market row lock, so a
// concurrent second resolution observes AlreadyResolved before any payout.
func (s *PostgresStore) ApplyResolution(ctx context.Context, mut ResolutionMutation) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var resolved bool
		err := tx.QueryRow(ctx,
			`SELECT resolved FROM markets WHERE id = $1 FOR UPDATE`, mut.MarketID).
			Scan(&resolved)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrMarketNotFound
		}
		if err != nil {
			return err
		}
		if resolved {
			return model.ErrAlreadyResolved
		}

		if mut.ResolutionSource != "" {
			_, err = tx.Exec(ctx,
				`UPDATE markets SET resolved = TRUE, outcome = $2, resolution_source = $3 WHERE id = $1`,
				mut.MarketID, string(mut.Outcome), mut.ResolutionSource)
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE markets SET resolved = TRUE, outcome = $2 WHERE id = $1`,
				mut.MarketID, string(mut.Outcome))
		}
		if err != nil {
			return err
		}

		for _, p := range mut.Payouts {
			if _, err := tx.Exec(ctx,
				`UPDATE accounts SET balance = balance + $2::NUMERIC WHERE id = $1`,
				p.AccountID, p.Amount.String()); err != nil {
				return err
			}
			entry := p.Entry
			if err := insertLedgerEntry(ctx, tx, &entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// inTx runs fn in a transaction with a bounded lock_timeout, committing
// on success and rolling back on any error. Business errors pass through
// unwrapped so callers can match them with errors.Is.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '`+lockTimeout+`'`); err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		var pgErr *pgconn.PgError
		// 55P03 = lock_not_available, 40P01 = deadlock_detected.
		if errors.As(err, &pgErr) && (pgErr.Code == "55P03" || pgErr.Code == "40P01") {
			return model.ErrContention
		}
		return err
	}
	return tx.Commit(ctx)
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, amount, kind, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		e.ID, e.AccountID, e.Amount.String(), string(e.Kind), e.CreatedAt,
	)
	return err
}
