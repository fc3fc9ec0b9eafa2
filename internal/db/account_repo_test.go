package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"careintake/internal/types"
)

func accountRow(id, email string, now time.Time) *mockRow {
	return &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = id
			*dest[1].(*string) = email
			*dest[2].(*string) = "$2a$10$hash"
			*dest[3].(*string) = "Pat"
			*dest[4].(*string) = "Doe"
			*dest[5].(*types.AccountStatus) = types.AccountStatusActive
			*dest[6].(*time.Time) = now
			*dest[7].(*time.Time) = now
			return nil
		},
	}
}

func TestAccountRepository_GetByEmail_NormalizesInput(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"pat@example.com"}).
		Return(accountRow("acc_1", "pat@example.com", time.Now()))

	a, err := repo.GetByEmail(context.Background(), "  Pat@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "acc_1", a.ID)
	assert.Equal(t, types.AccountStatusActive, a.Status)
	db.AssertExpectations(t)
}

func TestAccountRepository_GetByEmail_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByEmail(context.Background(), "nobody@example.com")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundAccount))
}

func TestAccountRepository_GetByID_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	_, err := repo.GetByID(context.Background(), "acc_1")
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestAccountRepository_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)
	now := time.Now().UTC()

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*time.Time) = now
			*dest[1].(*time.Time) = now
			return nil
		}})

	a := &types.Account{ID: "acc_1", Email: "PAT@example.com", PasswordHash: "h", FirstName: "Pat", LastName: "Doe"}
	require.NoError(t, repo.Create(context.Background(), a))

	assert.Equal(t, "pat@example.com", a.Email)
	assert.Equal(t, types.AccountStatusActive, a.Status)
	assert.Equal(t, now, a.CreatedAt)

	args := db.Calls[0].Arguments.Get(2).([]any)
	assert.Equal(t, "pat@example.com", args[1])
}

func TestAccountRepository_Create_UniqueViolation(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: &pgconn.PgError{Code: "23505", ConstraintName: "accounts_email_key"}})

	err := repo.Create(context.Background(), &types.Account{ID: "acc_2", Email: "pat@example.com"})
	assert.True(t, types.IsCode(err, types.ErrCodeConflictEmail))
}

func TestAccountRepository_ExistsByEmail(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*bool) = true
			return nil
		}})

	exists, err := repo.ExistsByEmail(context.Background(), "pat@example.com")
	require.NoError(t, err)
	assert.True(t, exists)
}
