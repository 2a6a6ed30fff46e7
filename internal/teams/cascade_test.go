package teams

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pylon-project/pylon/internal/dbx"
)

// TestCascadeOrgOwnerTransferJoinsThroughProjectsTable exercises §4.4's
// org-owner transfer cascade against a mocked connection, asserting the
// DELETE actually traverses organization -> projects -> teams rather than
// comparing teams.project_id against teams' own internal id space.
func TestCascadeOrgOwnerTransferJoinsThroughProjectsTable(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := dbx.NewStoreFromDB(sqlx.NewDb(mockDB, "postgres"))
	m := New(store, nil)

	const orgID, newOwnerID = int64(7), int64(42)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)DELETE FROM team_members.*JOIN projects p ON p\.id = t\.project_id.*WHERE p\.organization_id = \$2`).
		WithArgs(newOwnerID, orgID).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err = store.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return m.cascadeOrgOwnerTransfer(context.Background(), tx, orgID, newOwnerID)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestCascadeOrgOwnerTransferPropagatesQueryFailure confirms a failed
// cascade delete surfaces as an error instead of being swallowed, since
// TransferOwner relies on this to roll back the whole promotion.
func TestCascadeOrgOwnerTransferPropagatesQueryFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := dbx.NewStoreFromDB(sqlx.NewDb(mockDB, "postgres"))
	m := New(store, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)DELETE FROM team_members`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = store.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return m.cascadeOrgOwnerTransfer(context.Background(), tx, 7, 42)
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
