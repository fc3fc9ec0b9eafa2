package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"careintake/internal/types"
)

// AccountRepository provides data access for the accounts table. Emails are
// stored lower-cased; the unique index on email makes concurrent creators
// converge on one row.
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates an AccountRepository backed by the given
// database connection (pool or transaction).
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, email, password_hash, first_name, last_name, status, created_at, updated_at`

func scanAccount(row pgx.Row) (*types.Account, error) {
	var a types.Account
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.PasswordHash,
		&a.FirstName,
		&a.LastName,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByEmail returns the account for the normalized email or
// not_found_account.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*types.Account, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`,
		types.NormalizeEmail(email),
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve account", err)
	}
	return a, nil
}

// GetByID returns the account with the given id or not_found_account.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*types.Account, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve account", err)
	}
	return a, nil
}

// Create inserts the account and fills its timestamps. A concurrent insert
// for the same email yields conflict_email_exists.
func (r *AccountRepository) Create(ctx context.Context, a *types.Account) error {
	a.Email = types.NormalizeEmail(a.Email)
	if a.Status == "" {
		a.Status = types.AccountStatusActive
	}

	err := r.db.QueryRow(ctx,
		`INSERT INTO accounts (id, email, password_hash, first_name, last_name, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		a.ID,
		a.Email,
		a.PasswordHash,
		a.FirstName,
		a.LastName,
		a.Status,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictEmail, "an account with this email already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create account", err)
	}
	return nil
}

// ExistsByEmail reports whether an account exists for email.
func (r *AccountRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE email = $1)`,
		types.NormalizeEmail(email),
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check account existence", err)
	}
	return exists, nil
}
