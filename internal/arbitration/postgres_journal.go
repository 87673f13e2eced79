package arbitration

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/protocol"
)

// PostgresJournal persists authority state in PostgreSQL.
type PostgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal creates a PostgreSQL-backed journal.
func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

func (p *PostgresJournal) SaveDispute(ctx context.Context, d *Dispute) error {
	var resolvedBy string
	if d.ResolvedBy != (common.Address{}) {
		resolvedBy = d.ResolvedBy.Hex()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arbitration_disputes (
			id, ledger, escrow_id, holder, provider, amount, fee, disputer, evidence,
			status, ruling, resolution, resolved_by, fee_settled, opened_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			ruling = EXCLUDED.ruling,
			resolution = EXCLUDED.resolution,
			resolved_by = EXCLUDED.resolved_by,
			fee_settled = EXCLUDED.fee_settled,
			resolved_at = EXCLUDED.resolved_at`,
		int64(d.ID), d.Ledger.Hex(), int64(d.EscrowID), d.Holder.Hex(), d.Provider.Hex(),
		d.Amount.String(), d.Fee.String(), d.Disputer.Hex(), d.Evidence,
		string(d.Status), int16(d.Ruling), d.Resolution, resolvedBy, d.FeeSettled, d.OpenedAt, d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save dispute: %w", err)
	}
	return nil
}

func (p *PostgresJournal) SaveAgent(ctx context.Context, a *Agent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arbitration_agents (address, name, active, resolved_count, added_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			resolved_count = EXCLUDED.resolved_count`,
		a.Address.Hex(), a.Name, a.Active, int64(a.Resolved), a.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

func (p *PostgresJournal) Load(ctx context.Context) ([]*Dispute, []*Agent, error) {
	disputes, err := p.loadDisputes(ctx)
	if err != nil {
		return nil, nil, err
	}
	agents, err := p.loadAgents(ctx)
	if err != nil {
		return nil, nil, err
	}
	return disputes, agents, nil
}

func (p *PostgresJournal) loadDisputes(ctx context.Context) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, ledger, escrow_id, holder, provider, amount::TEXT, fee::TEXT, disputer, evidence,
		       status, ruling, resolution, resolved_by, fee_settled, opened_at, resolved_at
		FROM arbitration_disputes
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load disputes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		var (
			d                                          Dispute
			id, escrowID                               int64
			ledger, holder, provider, disputer, status string
			amount, fee, resolvedBy                    string
			ruling                                     int16
			resolvedAt                                 sql.NullTime
		)
		if err := rows.Scan(&id, &ledger, &escrowID, &holder, &provider, &amount, &fee, &disputer, &d.Evidence,
			&status, &ruling, &d.Resolution, &resolvedBy, &d.FeeSettled, &d.OpenedAt, &resolvedAt); err != nil {
			return nil, err
		}
		d.ID, d.EscrowID = uint64(id), uint64(escrowID)
		d.Ledger, d.Holder, d.Provider, d.Disputer = common.HexToAddress(ledger), common.HexToAddress(holder),
			common.HexToAddress(provider), common.HexToAddress(disputer)
		d.Status, d.Ruling = Status(status), protocol.Ruling(ruling)
		d.Amount, err = parseNumeric(amount)
		if err != nil {
			return nil, err
		}
		d.Fee, err = parseNumeric(fee)
		if err != nil {
			return nil, err
		}
		if resolvedBy != "" {
			d.ResolvedBy = common.HexToAddress(resolvedBy)
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			d.ResolvedAt = &t
		}
		result = append(result, &d)
	}
	return result, rows.Err()
}

func (p *PostgresJournal) loadAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, name, active, resolved_count, added_at FROM arbitration_agents`)
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Agent
	for rows.Next() {
		var (
			a        Agent
			addr     string
			resolved int64
			addedAt  time.Time
		)
		if err := rows.Scan(&addr, &a.Name, &a.Active, &resolved, &addedAt); err != nil {
			return nil, err
		}
		a.Address, a.Resolved, a.AddedAt = common.HexToAddress(addr), uint64(resolved), addedAt
		result = append(result, &a)
	}
	return result, rows.Err()
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}
