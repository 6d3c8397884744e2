package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/pkg/circuit"
)

//go:embed schema.sql
var schema string

// Postgres implements Store on PostgreSQL
type Postgres struct {
	db    *sql.DB
	guard *circuit.Guard
}

// Open connects to the database at url
func Open(url string, policy circuit.Policy) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewPostgres(db, policy), nil
}

// NewPostgres wraps an open database handle
func NewPostgres(db *sql.DB, policy circuit.Policy) *Postgres {
	return &Postgres{
		db: db,
		guard: circuit.NewGuard(circuit.Config{
			MaxFailures: 5,
			Timeout:     10 * time.Second,
		}, policy),
	}
}

// Migrate creates missing tables
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.guard.Do(ctx, "ping", func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	})
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

// begin opens a transaction with bounded retry
func (s *Postgres) begin(ctx context.Context) (*sql.Tx, error) {
	var tx *sql.Tx
	err := s.guard.Do(ctx, "begin", func(context.Context) error {
		var err error
		// the transaction must outlive the attempt timeout
		tx, err = s.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %v", models.ErrStoreTransaction, err)
	}
	return tx, nil
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %v", models.ErrStoreTransaction, err)
	}
	return nil
}

func txError(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %v", models.ErrStoreTransaction, op, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (models.Account, error) {
	var (
		a    models.Account
		addr string
	)
	if err := row.Scan(&addr, &a.MAC, &a.IP, &a.Balance, &a.Credit, &a.Blocked); err != nil {
		return models.Account{}, err
	}
	a.Address = common.HexToAddress(addr)
	return a, nil
}

const accountColumns = `address, mac, ip, balance, credit, blocked`

func (s *Postgres) Account(ctx context.Context, addr common.Address) (models.Account, error) {
	var account models.Account
	err := s.guard.Do(ctx, "account", func(ctx context.Context) error {
		var err error
		account, err = scanAccount(s.db.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE address = $1`, addr.Hex()))
		if errors.Is(err, sql.ErrNoRows) {
			return circuit.Permanent(models.ErrUnknownAccount)
		}
		return err
	})
	if errors.Is(err, models.ErrUnknownAccount) {
		return models.Account{}, fmt.Errorf("%w: %s", models.ErrUnknownAccount, addr.Hex())
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func (s *Postgres) Accounts(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	err := s.guard.Do(ctx, "accounts", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY address`)
		if err != nil {
			return err
		}
		defer rows.Close()

		accounts = accounts[:0]
		for rows.Next() {
			a, err := scanAccount(rows)
			if err != nil {
				return err
			}
			accounts = append(accounts, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

func (s *Postgres) Register(ctx context.Context, reg models.Registration) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET mac = $1, ip = $2 WHERE address = $3`,
		reg.MAC, reg.IP, reg.Account.Hex())
	if err != nil {
		return false, txError("update account", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, commit(tx)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (address, mac, ip, balance, credit, blocked) VALUES ($1, $2, $3, $4, $5, FALSE)`,
		reg.Account.Hex(), reg.MAC, reg.IP, reg.Balance, models.InitialCredit)
	if err != nil {
		return false, txError("insert account", err)
	}
	return true, commit(tx)
}

func (s *Postgres) CreateGrant(ctx context.Context, g models.Grant, price int64, confirm func(ctx context.Context) error) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO allocations (id, account, amount, kind) VALUES ($1, $2, $3, $4)`,
		g.ID, g.Account.Hex(), g.Amount, string(g.Kind)); err != nil {
		return txError("insert allocation", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_charges (id, account, amount) VALUES ($1, $2, $3)`,
		g.ID, g.Account.Hex(), price); err != nil {
		return txError("insert pending charge", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - $1 WHERE address = $2`,
		price, g.Account.Hex()); err != nil {
		return txError("debit mirrored balance", err)
	}

	if confirm != nil {
		if err := confirm(ctx); err != nil {
			return err
		}
	}
	return commit(tx)
}

func (s *Postgres) DeleteGrant(ctx context.Context, kind models.ResourceKind, id string, account common.Address) (models.Grant, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Grant{}, err
	}
	defer tx.Rollback()

	var (
		g    models.Grant
		addr string
	)
	err = tx.QueryRowContext(ctx,
		`DELETE FROM allocations WHERE id = $1 AND kind = $2 AND account = $3 RETURNING id, account, amount`,
		id, string(kind), account.Hex(),
	).Scan(&g.ID, &addr, &g.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Grant{}, fmt.Errorf("%w: %s", models.ErrUnknownGrant, id)
	}
	if err != nil {
		return models.Grant{}, txError("delete allocation", err)
	}
	g.Account = common.HexToAddress(addr)
	g.Kind = kind

	if err := commit(tx); err != nil {
		return models.Grant{}, err
	}
	return g, nil
}

func (s *Postgres) AllocatedTotal(ctx context.Context, kind models.ResourceKind) (int64, error) {
	var total int64
	err := s.guard.Do(ctx, "allocated_total", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM allocations WHERE kind = $1`, string(kind),
		).Scan(&total)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sum allocations: %w", err)
	}
	return total, nil
}

func (s *Postgres) AllocatedByAccount(ctx context.Context, kind models.ResourceKind) (map[common.Address]int64, error) {
	totals := make(map[common.Address]int64)
	err := s.guard.Do(ctx, "allocated_by_account", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT account, SUM(amount) FROM allocations WHERE kind = $1 GROUP BY account`, string(kind))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				addr  string
				total int64
			)
			if err := rows.Scan(&addr, &total); err != nil {
				return err
			}
			totals[common.HexToAddress(addr)] = total
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sum allocations per account: %w", err)
	}
	return totals, nil
}

func (s *Postgres) PendingCharges(ctx context.Context) ([]models.PendingCharge, error) {
	var charges []models.PendingCharge
	err := s.guard.Do(ctx, "pending_charges", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `SELECT id, account, amount FROM pending_charges`)
		if err != nil {
			return err
		}
		defer rows.Close()

		charges = charges[:0]
		for rows.Next() {
			var (
				c    models.PendingCharge
				addr string
			)
			if err := rows.Scan(&c.ID, &addr, &c.Amount); err != nil {
				return err
			}
			c.Account = common.HexToAddress(addr)
			charges = append(charges, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending charges: %w", err)
	}
	return charges, nil
}

func (s *Postgres) SettleCharge(ctx context.Context, charge models.PendingCharge, rebate RebateFunc) (models.Settlement, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Settlement{}, err
	}
	defer tx.Rollback()

	var credit int
	err = tx.QueryRowContext(ctx,
		`SELECT credit FROM accounts WHERE address = $1 FOR UPDATE`, charge.Account.Hex(),
	).Scan(&credit)
	if err != nil {
		return models.Settlement{}, txError("lock account", err)
	}

	settlement := models.Settlement{
		ID:      charge.ID,
		Account: charge.Account,
		Rebate:  rebate(charge.Amount, credit),
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO settlements (id, account, rebate, ledger_confirmed) VALUES ($1, $2, $3, FALSE)
		 ON CONFLICT (id) DO NOTHING`,
		settlement.ID, settlement.Account.Hex(), settlement.Rebate)
	if err != nil {
		return models.Settlement{}, txError("record settlement", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance + $1 WHERE address = $2`,
			settlement.Rebate, settlement.Account.Hex()); err != nil {
			return models.Settlement{}, txError("credit mirrored balance", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_charges WHERE id = $1`, charge.ID); err != nil {
		return models.Settlement{}, txError("delete pending charge", err)
	}

	if err := commit(tx); err != nil {
		return models.Settlement{}, err
	}
	return settlement, nil
}

func (s *Postgres) UnconfirmedSettlements(ctx context.Context) ([]models.Settlement, error) {
	var settlements []models.Settlement
	err := s.guard.Do(ctx, "unconfirmed_settlements", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, account, rebate FROM settlements WHERE ledger_confirmed = FALSE`)
		if err != nil {
			return err
		}
		defer rows.Close()

		settlements = settlements[:0]
		for rows.Next() {
			var (
				st   models.Settlement
				addr string
			)
			if err := rows.Scan(&st.ID, &addr, &st.Rebate); err != nil {
				return err
			}
			st.Account = common.HexToAddress(addr)
			settlements = append(settlements, st)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	return settlements, nil
}

func (s *Postgres) ConfirmSettlement(ctx context.Context, id string) error {
	err := s.guard.Do(ctx, "confirm_settlement", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE settlements SET ledger_confirmed = TRUE WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to confirm settlement: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateAccount(ctx context.Context, addr common.Address, fn func(ctx context.Context, a models.Account) (models.Account, error)) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE address = $1 FOR UPDATE`, addr.Hex()))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrUnknownAccount, addr.Hex())
	}
	if err != nil {
		return txError("lock account", err)
	}

	next, err := fn(ctx, current)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET credit = $1, blocked = $2 WHERE address = $3`,
		next.Credit, next.Blocked, addr.Hex()); err != nil {
		return txError("update credit", err)
	}
	return commit(tx)
}
