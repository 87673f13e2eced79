package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, state, timeout_mode, custody, agreement, fees, proof_ref,
		       dispute_id, disputer, outcome, settlement, history,
		       created_at, updated_at, closed_at`

func (p *PostgresStore) NextID(ctx context.Context) (uint64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `SELECT nextval(pg_get_serial_sequence('escrows', 'id'))`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate escrow id: %w", err)
	}
	return uint64(id), nil
}

func (p *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	cols, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	a := rec.Agreement

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (
			id, holder, provider, state, amount, funded_timeout, proof_timeout,
			timeout_mode, custody, agreement, fees, proof_ref, dispute_id, disputer,
			outcome, settlement, history, created_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20
		)`,
		int64(rec.ID), a.Holder.Hex(), a.Provider.Hex(), string(rec.State), a.Amount.String(), a.FundedTimeout, a.ProofTimeout,
		string(rec.TimeoutMode), rec.Custody.Hex(), cols.agreement, cols.fees, rec.ProofRef, nullDispute(rec.DisputeID), disputer(rec),
		string(rec.Outcome), cols.settlement, cols.history, rec.CreatedAt, rec.UpdatedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}

	// Both keys in one statement: the primary key rejects a nonce that a
	// concurrent transaction consumed first.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_nonces (party, nonce, escrow_id)
		VALUES ($1, $3::NUMERIC, $4), ($2, $3::NUMERIC, $4)`,
		a.Holder.Hex(), a.Provider.Hex(), a.Nonce.String(), int64(rec.ID))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrNonceConsumed
		}
		return fmt.Errorf("failed to consume nonces: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, int64(id))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return rec, err
}

func (p *PostgresStore) Update(ctx context.Context, rec *Record) error {
	cols, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1, proof_ref = $2, dispute_id = $3, disputer = $4,
			outcome = $5, settlement = $6, history = $7, updated_at = $8, closed_at = $9
		WHERE id = $10`,
		string(rec.State), rec.ProofRef, nullDispute(rec.DisputeID), disputer(rec),
		string(rec.Outcome), cols.settlement, cols.history, rec.UpdatedAt, rec.ClosedAt,
		int64(rec.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, party common.Address, offset, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE holder = $1 OR provider = $1
		ORDER BY id DESC
		OFFSET $2 LIMIT $3`, party.Hex(), offset, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now int64, afterID uint64, limit int) ([]*Record, error) {
	// Single-timeout agreements carry funded_timeout = 0 and are governed
	// by proof_timeout in both open states.
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE id > $2 AND (
		      (state = 'FUNDED' AND
		       (CASE WHEN timeout_mode = 'single' THEN proof_timeout ELSE funded_timeout END) < $1)
		   OR (state = 'OFFCHAIN_PROOF_SENT' AND proof_timeout < $1))
		ORDER BY id
		LIMIT $3`, now, int64(afterID), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (p *PostgresStore) NonceUsed(ctx context.Context, party common.Address, nonce *big.Int) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_nonces WHERE party = $1 AND nonce = $2::NUMERIC)`,
		party.Hex(), nonce.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return exists, nil
}

type encodedRecord struct {
	agreement, fees, history []byte
	settlement               any // nil stores SQL NULL
}

func encodeRecord(rec *Record) (encodedRecord, error) {
	var out encodedRecord
	var err error
	if out.agreement, err = json.Marshal(rec.Agreement); err != nil {
		return out, fmt.Errorf("encode agreement: %w", err)
	}
	if out.fees, err = json.Marshal(rec.Fees); err != nil {
		return out, fmt.Errorf("encode fees: %w", err)
	}
	if rec.Settlement != nil {
		b, err := json.Marshal(rec.Settlement)
		if err != nil {
			return out, fmt.Errorf("encode settlement: %w", err)
		}
		out.settlement = b
	}
	history := rec.History
	if history == nil {
		history = []Transition{}
	}
	if out.history, err = json.Marshal(history); err != nil {
		return out, fmt.Errorf("encode history: %w", err)
	}
	return out, nil
}

func nullDispute(id uint64) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(id), Valid: id != 0}
}

func disputer(rec *Record) string {
	if rec.Disputer == (common.Address{}) {
		return ""
	}
	return rec.Disputer.Hex()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                                  Record
		id                                   int64
		state, mode, custody, disputerHex    string
		outcome                              string
		agreementJSON, feesJSON, historyJSON []byte
		settlementJSON                       []byte
		disputeID                            sql.NullInt64
		closedAt                             sql.NullTime
		createdAt, updatedAt                 time.Time
	)
	err := row.Scan(&id, &state, &mode, &custody, &agreementJSON, &feesJSON, &rec.ProofRef,
		&disputeID, &disputerHex, &outcome, &settlementJSON, &historyJSON,
		&createdAt, &updatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	rec.ID = uint64(id)
	rec.State = State(state)
	rec.TimeoutMode = TimeoutMode(mode)
	rec.Custody = common.HexToAddress(custody)
	rec.Outcome = Outcome(outcome)
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	if disputeID.Valid {
		rec.DisputeID = uint64(disputeID.Int64)
	}
	if disputerHex != "" {
		rec.Disputer = common.HexToAddress(disputerHex)
	}
	if closedAt.Valid {
		t := closedAt.Time
		rec.ClosedAt = &t
	}
	if err := json.Unmarshal(agreementJSON, &rec.Agreement); err != nil {
		return nil, fmt.Errorf("decode agreement of escrow %d: %w", id, err)
	}
	if err := json.Unmarshal(feesJSON, &rec.Fees); err != nil {
		return nil, fmt.Errorf("decode fees of escrow %d: %w", id, err)
	}
	if err := json.Unmarshal(historyJSON, &rec.History); err != nil {
		return nil, fmt.Errorf("decode history of escrow %d: %w", id, err)
	}
	if len(settlementJSON) > 0 {
		rec.Settlement = &Settlement{}
		if err := json.Unmarshal(settlementJSON, rec.Settlement); err != nil {
			return nil, fmt.Errorf("decode settlement of escrow %d: %w", id, err)
		}
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}
