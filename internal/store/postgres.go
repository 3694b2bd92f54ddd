package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/outcome-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the embedded schema. Safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Every commit runs in one transaction guarded by the market's version.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const marketColumns = `id, subject_id, question, created_by,
	shares_yes::TEXT, shares_no::TEXT, price_yes::TEXT, price_no::TEXT,
	total_volume::TEXT, total_liquidity::TEXT,
	expires_at, state, COALESCE(resolved_outcome, ''), COALESCE(resolved_by, ''),
	resolved_at, created_at, version`

const positionColumns = `market_id, owner_id, outcome, shares::TEXT, cost_basis::TEXT,
	updated_at, archived, archived_at`

const ledgerColumns = `id, market_id, owner_id, outcome, side,
	shares_delta::TEXT, stake_delta::TEXT, price::TEXT, timestamp`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, subject_id, question, created_by,
		                      shares_yes, shares_no, price_yes, price_no,
		                      total_volume, total_liquidity, expires_at, state, created_at, version)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11, $12, $13, 1)`,
		m.ID, m.SubjectID, m.Question, m.CreatedBy,
		m.Shares.Yes.String(), m.Shares.No.String(),
		m.Price.Yes.String(), m.Price.No.String(),
		m.TotalVolume.String(), m.TotalLiquidity.String(),
		m.ExpiresAt, string(m.State), m.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("market %s already exists: %w", m.ID, ErrConflict)
		}
		return fmt.Errorf("insert market %s: %w", m.ID, err)
	}
	m.Version = 1
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.queryMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC, id`)
}

func (s *PostgresStore) ListMarketsBySubject(ctx context.Context, subjectID string) ([]model.Market, error) {
	return s.queryMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE subject_id = $1 ORDER BY created_at DESC, id`,
		subjectID)
}

func (s *PostgresStore) ListDueOpenMarkets(ctx context.Context, asOf time.Time) ([]model.Market, error) {
	return s.queryMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets
		 WHERE state = 'open' AND expires_at <= $1 ORDER BY expires_at, id`,
		asOf)
}

func (s *PostgresStore) UpdateMarketState(ctx context.Context, m *model.Market) error {
	if err := updateMarket(ctx, s.pool, m); err != nil {
		return err
	}
	m.Version++
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, marketID, ownerID string, outcome model.Outcome) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE market_id = $1 AND owner_id = $2 AND outcome = $3`,
		marketID, ownerID, string(outcome)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s/%s: %w", marketID, ownerID, outcome, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetOwnerMarketPositions(ctx context.Context, marketID, ownerID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE market_id = $1 AND owner_id = $2 ORDER BY outcome`,
		marketID, ownerID)
}

func (s *PostgresStore) GetMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE market_id = $1 ORDER BY owner_id, outcome`,
		marketID)
}

func (s *PostgresStore) GetUserPositions(ctx context.Context, ownerID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE owner_id = $1 AND NOT archived ORDER BY market_id, outcome`,
		ownerID)
}

func (s *PostgresStore) CommitTrade(ctx context.Context, c TradeCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin trade commit: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateMarket(ctx, tx, c.Market); err != nil {
		return err
	}
	if err := upsertPosition(ctx, tx, c.Position); err != nil {
		return err
	}

	e := c.Receipt
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, market_id, owner_id, outcome, side,
		                             shares_delta, stake_delta, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		e.ID, e.MarketID, e.OwnerID, string(e.Outcome), string(e.Side),
		e.SharesDelta.String(), e.StakeDelta.String(), e.PriceAtExecution.String(),
		e.Timestamp,
	); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit trade: %w", err)
	}
	c.Market.Version++
	return nil
}

func (s *PostgresStore) CommitResolution(ctx context.Context, c ResolutionCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin resolution commit: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateMarket(ctx, tx, c.Market); err != nil {
		return err
	}
	for i := range c.Positions {
		if err := upsertPosition(ctx, tx, &c.Positions[i]); err != nil {
			return err
		}
	}
	for _, p := range c.Payouts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO payouts (market_id, owner_id, outcome, shares, cost_basis,
			                      amount, resolved_outcome, timestamp)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
			p.MarketID, p.OwnerID, string(p.Outcome),
			p.Shares.String(), p.CostBasis.String(), p.Amount.String(),
			string(p.ResolvedOutcome), p.Timestamp,
		); err != nil {
			return fmt.Errorf("insert payout for %s: %w", p.OwnerID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit resolution: %w", err)
	}
	c.Market.Version++
	return nil
}

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.TradeReceipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE market_id = $1 ORDER BY timestamp, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, ownerID string) ([]model.TradeReceipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE owner_id = $1 ORDER BY timestamp, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetPayouts(ctx context.Context, marketID string) ([]model.PayoutRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, owner_id, outcome, shares::TEXT, cost_basis::TEXT,
		        amount::TEXT, resolved_outcome, timestamp
		 FROM payouts WHERE market_id = $1 ORDER BY owner_id, outcome`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []model.PayoutRecord
	for rows.Next() {
		var p model.PayoutRecord
		var outcome, resolved, sharesS, costS, amountS string
		if err := rows.Scan(&p.MarketID, &p.OwnerID, &outcome, &sharesS, &costS,
			&amountS, &resolved, &p.Timestamp); err != nil {
			return nil, err
		}
		p.Outcome = model.Outcome(outcome)
		p.ResolvedOutcome = model.Resolution(resolved)
		if err := parseNumerics(map[*decimal.Decimal]string{
			&p.Shares: sharesS, &p.CostBasis: costS, &p.Amount: amountS,
		}); err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// --- helpers ---

// updateMarket writes every mutable market column if the stored version
// still matches m.Version. A miss is NotFound or Conflict.
func updateMarket(ctx context.Context, q querier, m *model.Market) error {
	var resolved, resolvedBy any
	if m.ResolvedOutcome != "" {
		resolved = string(m.ResolvedOutcome)
		resolvedBy = m.ResolvedBy
	}

	tag, err := q.Exec(ctx,
		`UPDATE markets
		 SET shares_yes = $3::NUMERIC, shares_no = $4::NUMERIC,
		     price_yes = $5::NUMERIC, price_no = $6::NUMERIC,
		     total_volume = $7::NUMERIC, state = $8,
		     resolved_outcome = $9, resolved_by = $10, resolved_at = $11,
		     version = version + 1
		 WHERE id = $1 AND version = $2`,
		m.ID, m.Version,
		m.Shares.Yes.String(), m.Shares.No.String(),
		m.Price.Yes.String(), m.Price.No.String(),
		m.TotalVolume.String(), string(m.State),
		resolved, resolvedBy, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current int64
	err = q.QueryRow(ctx, `SELECT version FROM markets WHERE id = $1`, m.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read market version %s: %w", m.ID, err)
	}
	return fmt.Errorf("market %s at version %d, write based on %d: %w", m.ID, current, m.Version, ErrConflict)
}

func upsertPosition(ctx context.Context, q querier, p *model.Position) error {
	_, err := q.Exec(ctx,
		`INSERT INTO positions (market_id, owner_id, outcome, shares, cost_basis,
		                        updated_at, archived, archived_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT (market_id, owner_id, outcome) DO UPDATE
		 SET shares = EXCLUDED.shares, cost_basis = EXCLUDED.cost_basis,
		     updated_at = EXCLUDED.updated_at,
		     archived = EXCLUDED.archived, archived_at = EXCLUDED.archived_at`,
		p.MarketID, p.OwnerID, string(p.Outcome),
		p.Shares.String(), p.CostBasis.String(),
		p.UpdatedAt, p.Archived, p.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s/%s: %w", p.MarketID, p.OwnerID, p.Outcome, err)
	}
	return nil
}

func (s *PostgresStore) queryMarkets(ctx context.Context, sql string, args ...any) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
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

func (s *PostgresStore) queryPositions(ctx context.Context, sql string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanMarket(row scanner) (*model.Market, error) {
	var m model.Market
	var qYes, qNo, pYes, pNo, volume, liquidity, state, resolved string

	if err := row.Scan(&m.ID, &m.SubjectID, &m.Question, &m.CreatedBy,
		&qYes, &qNo, &pYes, &pNo, &volume, &liquidity,
		&m.ExpiresAt, &state, &resolved, &m.ResolvedBy,
		&m.ResolvedAt, &m.CreatedAt, &m.Version); err != nil {
		return nil, err
	}
	m.State = model.State(state)
	m.ResolvedOutcome = model.Resolution(resolved)

	if err := parseNumerics(map[*decimal.Decimal]string{
		&m.Shares.Yes:     qYes,
		&m.Shares.No:      qNo,
		&m.Price.Yes:      pYes,
		&m.Price.No:       pNo,
		&m.TotalVolume:    volume,
		&m.TotalLiquidity: liquidity,
	}); err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, err)
	}
	return &m, nil
}

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var outcome, sharesS, costS string

	if err := row.Scan(&p.MarketID, &p.OwnerID, &outcome, &sharesS, &costS,
		&p.UpdatedAt, &p.Archived, &p.ArchivedAt); err != nil {
		return nil, err
	}
	p.Outcome = model.Outcome(outcome)
	if err := parseNumerics(map[*decimal.Decimal]string{
		&p.Shares: sharesS, &p.CostBasis: costS,
	}); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanLedgerEntries(rows pgx.Rows) ([]model.TradeReceipt, error) {
	var entries []model.TradeReceipt
	for rows.Next() {
		var e model.TradeReceipt
		var outcome, side, sharesS, stakeS, priceS string

		if err := rows.Scan(&e.ID, &e.MarketID, &e.OwnerID, &outcome, &side,
			&sharesS, &stakeS, &priceS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Outcome = model.Outcome(outcome)
		e.Side = model.Side(side)
		if err := parseNumerics(map[*decimal.Decimal]string{
			&e.SharesDelta: sharesS, &e.StakeDelta: stakeS, &e.PriceAtExecution: priceS,
		}); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// parseNumerics parses NUMERIC columns read as TEXT.
func parseNumerics(fields map[*decimal.Decimal]string) error {
	for dst, src := range fields {
		v, err := decimal.NewFromString(src)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", src, err)
		}
		*dst = v
	}
	return nil
}
