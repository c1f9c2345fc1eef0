package registry

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLPublishAndResolve(t *testing.T) {
	ctx := context.Background()
	reg := NewSQL(openTestDB(t), nil)
	require.NoError(t, reg.Init(ctx))

	for _, v := range []string{"1.0.0", "1.5.0"} {
		_, err := reg.Publish(ctx, sampleContract(v))
		require.NoError(t, err)
	}

	_, err := reg.Publish(ctx, sampleContract("1.5.0"))
	require.Error(t, err)
	assert.Equal(t, motorerr.KindVersionConflict, motorerr.KindOf(err))

	snap, err := reg.Resolve(ctx, "ideas", ">=1.0 <2")
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", snap.Version)
	assert.Equal(t, "admission.basic", snap.ContractID)
}

func TestSQLResolveStorageUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT version, document_json FROM contract_versions").
		WillReturnError(sql.ErrConnDone)

	reg := NewSQL(db, nil)
	_, err = reg.Resolve(context.Background(), "ideas", "")
	require.Error(t, err)
	assert.Equal(t, motorerr.KindStorageUnavailable, motorerr.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
