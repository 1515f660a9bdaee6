package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// AttemptStore implements domain.AttemptStore.
type AttemptStore struct {
	pool *pgxpool.Pool
	// statsWindow limits RouteStats to recent attempts; zero means all.
	statsWindow time.Duration
	now         func() time.Time
}

// NewAttemptStore creates an AttemptStore.
func NewAttemptStore(pool *pgxpool.Pool, statsWindow time.Duration) *AttemptStore {
	return &AttemptStore{pool: pool, statsWindow: statsWindow, now: time.Now}
}

// Insert stores an attempt and its legs in one transaction. Inserting the
// same attempt twice is a no-op.
func (s *AttemptStore) Insert(ctx context.Context, rec domain.AttemptRecord) error {
	a := rec.Attempt
	opp, err := json.Marshal(rec.Opportunity)
	if err != nil {
		return fmt.Errorf("postgres: marshal opportunity: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO attempts (id, opportunity_id, route_key, state, outcome, failure_kind, reason, dry_run,
			expected_net_profit, realized_gas_cost, realized_net_profit, opportunity, created_at, submitted_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.OpportunityID, a.RouteKey, string(a.State), string(a.Outcome), string(a.FailureKind), a.Reason, a.DryRun,
		rec.Opportunity.NetProfit, a.RealizedGasCost, a.RealizedNetProfit, opp, a.CreatedAt,
		nullTime(a.SubmittedAt), nullTime(a.ConfirmedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert attempt %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	for i, l := range a.Legs {
		r := toLegRow(l)
		_, err = tx.Exec(ctx, `
			INSERT INTO attempt_legs (attempt_id, leg_index, chain, status, nonce, tx_hash, receipt_status, block_number,
				gas_used, effective_gas_price, revert_reason, error, gas_usd, amount_in, amount_out)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			a.ID, i, r.Chain, r.Status, r.Nonce, r.TxHash, r.ReceiptStatus, r.BlockNumber,
			r.GasUsed, r.EffectiveGasPrice, r.RevertReason, r.Error, r.GasUSD, r.AmountIn, r.AmountOut,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert attempt leg %s/%d: %w", a.ID, i, err)
		}
	}
	return tx.Commit(ctx)
}

// RouteStats counts live (non dry-run) attempts and successes for a route.
func (s *AttemptStore) RouteStats(ctx context.Context, routeKey string) (domain.RouteStats, error) {
	query := `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE outcome = $2)
		FROM attempts WHERE route_key = $1 AND NOT dry_run`
	args := []any{routeKey, string(domain.OutcomeSuccess)}
	if s.statsWindow > 0 {
		query += ` AND created_at >= $3`
		args = append(args, s.now().Add(-s.statsWindow))
	}

	var attempts, successes int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&attempts, &successes); err != nil {
		return domain.RouteStats{}, fmt.Errorf("postgres: route stats %s: %w", routeKey, err)
	}
	return domain.RouteStats{RouteKey: routeKey, Attempts: int(attempts), Successes: int(successes)}, nil
}

// ListRecent returns attempts newest first, with their legs.
func (s *AttemptStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionAttempt, error) {
	query := `
		SELECT id, opportunity_id, route_key, state, outcome, failure_kind, reason, dry_run,
			realized_gas_cost, realized_net_profit, created_at, submitted_at, confirmed_at
		FROM attempts WHERE 1=1`
	args := []any{}
	argIdx := 1
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	query += " ORDER BY created_at DESC"
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)
	argIdx++
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list attempts: %w", err)
	}
	defer rows.Close()

	var (
		list []domain.ExecutionAttempt
		ids  []string
	)
	index := make(map[string]int)
	for rows.Next() {
		var (
			a                        domain.ExecutionAttempt
			state, outcome, kind     string
			submittedAt, confirmedAt *time.Time
		)
		if err := rows.Scan(&a.ID, &a.OpportunityID, &a.RouteKey, &state, &outcome, &kind, &a.Reason, &a.DryRun,
			&a.RealizedGasCost, &a.RealizedNetProfit, &a.CreatedAt, &submittedAt, &confirmedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan attempt: %w", err)
		}
		a.State = domain.AttemptState(state)
		a.Outcome = domain.Outcome(outcome)
		a.FailureKind = domain.ErrorClass(kind)
		if submittedAt != nil {
			a.SubmittedAt = *submittedAt
		}
		if confirmedAt != nil {
			a.ConfirmedAt = *confirmedAt
		}
		index[a.ID] = len(list)
		ids = append(ids, a.ID)
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list attempts: %w", err)
	}
	if len(ids) == 0 {
		return list, nil
	}

	if err := s.loadLegs(ctx, ids, func(id string, l domain.LegResult) {
		i := index[id]
		list[i].Legs = append(list[i].Legs, l)
	}); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *AttemptStore) loadLegs(ctx context.Context, ids []string, add func(string, domain.LegResult)) error {
	rows, err := s.pool.Query(ctx, `
		SELECT attempt_id, chain, status, nonce, tx_hash, receipt_status, block_number, gas_used,
			effective_gas_price, revert_reason, error, gas_usd, amount_in, amount_out
		FROM attempt_legs WHERE attempt_id = ANY($1) ORDER BY attempt_id, leg_index`, ids)
	if err != nil {
		return fmt.Errorf("postgres: list attempt legs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			r  legRow
		)
		if err := rows.Scan(&id, &r.Chain, &r.Status, &r.Nonce, &r.TxHash, &r.ReceiptStatus, &r.BlockNumber, &r.GasUsed,
			&r.EffectiveGasPrice, &r.RevertReason, &r.Error, &r.GasUSD, &r.AmountIn, &r.AmountOut); err != nil {
			return fmt.Errorf("postgres: scan attempt leg: %w", err)
		}
		add(id, r.leg())
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: list attempt legs: %w", err)
	}
	return nil
}

// legRow is the column form of a LegResult. Receipt columns are NULL for
// legs that were never included.
type legRow struct {
	Chain             string
	Status            string
	Nonce             int64
	TxHash            string
	ReceiptStatus     *int64
	BlockNumber       *int64
	GasUsed           *int64
	EffectiveGasPrice *string
	RevertReason      string
	Error             string
	GasUSD            float64
	AmountIn          float64
	AmountOut         float64
}

func toLegRow(l domain.LegResult) legRow {
	r := legRow{
		Chain:        string(l.Chain),
		Status:       string(l.Status),
		Nonce:        int64(l.Nonce),
		TxHash:       l.TxHash,
		RevertReason: l.RevertReason,
		Error:        l.Error,
		GasUSD:       l.GasUSD,
		AmountIn:     l.AmountIn,
		AmountOut:    l.AmountOut,
	}
	if rc := l.Receipt; rc != nil {
		status, block, used := int64(rc.Status), int64(rc.BlockNumber), int64(rc.GasUsed)
		r.ReceiptStatus, r.BlockNumber, r.GasUsed = &status, &block, &used
		if rc.EffectiveGasPrice != nil {
			price := rc.EffectiveGasPrice.String()
			r.EffectiveGasPrice = &price
		}
	}
	return r
}

func (r legRow) leg() domain.LegResult {
	l := domain.LegResult{
		Chain:        domain.Chain(r.Chain),
		Status:       domain.LegStatus(r.Status),
		Nonce:        uint64(r.Nonce),
		TxHash:       r.TxHash,
		RevertReason: r.RevertReason,
		Error:        r.Error,
		GasUSD:       r.GasUSD,
		AmountIn:     r.AmountIn,
		AmountOut:    r.AmountOut,
	}
	if r.ReceiptStatus == nil {
		return l
	}
	rc := &domain.LegReceipt{Status: uint64(*r.ReceiptStatus)}
	if r.BlockNumber != nil {
		rc.BlockNumber = uint64(*r.BlockNumber)
	}
	if r.GasUsed != nil {
		rc.GasUsed = uint64(*r.GasUsed)
	}
	if r.EffectiveGasPrice != nil {
		if price, ok := new(big.Int).SetString(*r.EffectiveGasPrice, 10); ok {
			rc.EffectiveGasPrice = price
		}
	}
	l.Receipt = rc
	return l
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
