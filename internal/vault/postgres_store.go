package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Amounts are kept in
// NUMERIC(78,0) columns and travel as decimal strings.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed vault store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func addrKey(a common.Address) string { return a.Hex() }

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, addr common.Address) (*Balance, error) {
	var avail, pend, in, out string
	var updated time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT available::TEXT, pending::TEXT, total_in::TEXT, total_out::TEXT, updated_at
		FROM vault_balances WHERE address = $1
	`, addrKey(addr)).Scan(&avail, &pend, &in, &out, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{Address: addr, Available: new(big.Int), Pending: new(big.Int), TotalIn: new(big.Int), TotalOut: new(big.Int)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	b := &Balance{Address: addr, UpdatedAt: updated}
	for _, f := range []struct {
		dst **big.Int
		src string
	}{{&b.Available, avail}, {&b.Pending, pend}, {&b.TotalIn, in}, {&b.TotalOut, out}} {
		v, err := parseNumeric(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return b, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, addr common.Address, typ string, amount *big.Int, counterparty common.Address, ref string) error {
	cp := ""
	if counterparty != (common.Address{}) {
		cp = addrKey(counterparty)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault_entries (id, address, type, amount, counterparty, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, NOW())
	`, idgen.WithPrefix(idgen.VaultEntry), addrKey(addr), typ, amount.String(), cp, ref)
	if err != nil {
		return fmt.Errorf("failed to record %s entry: %w", typ, err)
	}
	return nil
}

func (p *PostgresStore) Credit(ctx context.Context, addr common.Address, amount *big.Int, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if reference != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO vault_deposit_refs (reference) VALUES ($1)`, reference); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrDuplicateDeposit
			}
			return fmt.Errorf("failed to record deposit reference: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vault_balances (address, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC, $2::NUMERIC, NOW())
		ON CONFLICT (address) DO UPDATE SET
			available  = vault_balances.available + EXCLUDED.available,
			total_in   = vault_balances.total_in + EXCLUDED.total_in,
			updated_at = NOW()
	`, addrKey(addr), amount.String())
	if err != nil {
		return fmt.Errorf("failed to credit: %w", err)
	}
	if err := insertEntry(ctx, tx, addr, EntryDeposit, amount, common.Address{}, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, addr common.Address, amount *big.Int, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := debitAvailable(ctx, tx, addr, amount, false); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE vault_balances SET total_out = total_out + $2::NUMERIC WHERE address = $1
	`, addrKey(addr), amount.String()); err != nil {
		return fmt.Errorf("failed to debit: %w", err)
	}
	if err := insertEntry(ctx, tx, addr, EntryWithdrawal, amount, common.Address{}, reference); err != nil {
		return err
	}
	return tx.Commit()
}

// debitAvailable moves amount out of available, into pending when hold is
// set. The WHERE clause refuses overdrafts.
func debitAvailable(ctx context.Context, tx *sql.Tx, addr common.Address, amount *big.Int, hold bool) error {
	pendingDelta := "0"
	if hold {
		pendingDelta = amount.String()
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE vault_balances SET
			available  = available - $2::NUMERIC,
			pending    = pending + $3::NUMERIC,
			updated_at = NOW()
		WHERE address = $1 AND available >= $2::NUMERIC
	`, addrKey(addr), amount.String(), pendingDelta)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrInsufficientBalance.Withf("%s needs %s", addr.Hex(), amount)
	}
	return nil
}

func (p *PostgresStore) Hold(ctx context.Context, holdID string, postings []Posting) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i, posting := range postings {
		if err := debitAvailable(ctx, tx, posting.From, posting.Amount, true); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vault_holds (hold_id, seq, source, destination, amount, memo)
			VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		`, holdID, i, addrKey(posting.From), addrKey(posting.To), posting.Amount.String(), posting.Memo); err != nil {
			return fmt.Errorf("failed to record hold: %w", err)
		}
		if err := insertEntry(ctx, tx, posting.From, EntryHold, posting.Amount, posting.To, holdID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) loadHold(ctx context.Context, tx *sql.Tx, holdID string) ([]Posting, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT source, destination, amount::TEXT, memo FROM vault_holds
		WHERE hold_id = $1 ORDER BY seq FOR UPDATE
	`, holdID)
	if err != nil {
		return nil, fmt.Errorf("failed to load hold: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Posting
	for rows.Next() {
		var src, dst, amt, memo string
		if err := rows.Scan(&src, &dst, &amt, &memo); err != nil {
			return nil, err
		}
		v, err := parseNumeric(amt)
		if err != nil {
			return nil, err
		}
		out = append(out, Posting{From: common.HexToAddress(src), To: common.HexToAddress(dst), Amount: v, Memo: memo})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrHoldNotFound
	}
	return out, nil
}

func (p *PostgresStore) ConfirmHold(ctx context.Context, holdID string) error {
	return p.settleHold(ctx, holdID, true)
}

func (p *PostgresStore) ReleaseHold(ctx context.Context, holdID string) error {
	return p.settleHold(ctx, holdID, false)
}

func (p *PostgresStore) settleHold(ctx context.Context, holdID string, confirm bool) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	postings, err := p.loadHold(ctx, tx, holdID)
	if err != nil {
		return err
	}

	for _, posting := range postings {
		amt := posting.Amount.String()
		if confirm {
			if _, err := tx.ExecContext(ctx, `
				UPDATE vault_balances SET pending = pending - $2::NUMERIC, total_out = total_out + $2::NUMERIC, updated_at = NOW()
				WHERE address = $1
			`, addrKey(posting.From), amt); err != nil {
				return fmt.Errorf("failed to confirm hold: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO vault_balances (address, available, total_in, updated_at)
				VALUES ($1, $2::NUMERIC, $2::NUMERIC, NOW())
				ON CONFLICT (address) DO UPDATE SET
					available  = vault_balances.available + EXCLUDED.available,
					total_in   = vault_balances.total_in + EXCLUDED.total_in,
					updated_at = NOW()
			`, addrKey(posting.To), amt); err != nil {
				return fmt.Errorf("failed to credit destination: %w", err)
			}
			if err := insertEntry(ctx, tx, posting.From, EntryTransferOut, posting.Amount, posting.To, holdID); err != nil {
				return err
			}
			if err := insertEntry(ctx, tx, posting.To, EntryTransferIn, posting.Amount, posting.From, holdID); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE vault_balances SET pending = pending - $2::NUMERIC, available = available + $2::NUMERIC, updated_at = NOW()
			WHERE address = $1
		`, addrKey(posting.From), amt); err != nil {
			return fmt.Errorf("failed to release hold: %w", err)
		}
		if err := insertEntry(ctx, tx, posting.From, EntryRelease, posting.Amount, posting.To, holdID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM vault_holds WHERE hold_id = $1`, holdID); err != nil {
		return fmt.Errorf("failed to clear hold: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) GetHistory(ctx context.Context, addr common.Address, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, amount::TEXT, counterparty, reference, created_at
		FROM vault_entries WHERE address = $1
		ORDER BY created_at DESC, id DESC LIMIT $2
	`, addrKey(addr), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{Address: addr}
		var amt, cp string
		if err := rows.Scan(&e.ID, &e.Type, &amt, &cp, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = parseNumeric(amt); err != nil {
			return nil, err
		}
		if cp != "" {
			e.Counterparty = common.HexToAddress(cp)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
