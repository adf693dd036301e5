package idempotency_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerogate/gateway/pkg/idempotency"
)

func TestValidKey(t *testing.T) {
	assert.True(t, idempotency.ValidKey(uuid.NewString()))
	assert.False(t, idempotency.ValidKey("not-a-uuid"))
}

func TestBodyHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := idempotency.BodyHash([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	h2, err := idempotency.BodyHash([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCheck_MissProcessesAndStores(t *testing.T) {
	store := idempotency.NewMemoryStore(idempotency.MinTTL)
	key := uuid.NewString()
	calls := 0

	status, body, err := idempotency.Check(context.Background(), store, key, []byte(`{"x":1}`), func() (int, []byte, error) {
		calls++
		return 201, []byte("created"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 201, status)
	assert.Equal(t, []byte("created"), body)
	assert.Equal(t, 1, calls)
}

func TestCheck_HitSameBodyReplaysWithoutReprocessing(t *testing.T) {
	store := idempotency.NewMemoryStore(idempotency.MinTTL)
	key := uuid.NewString()
	calls := 0
	process := func() (int, []byte, error) {
		calls++
		return 201, []byte("created"), nil
	}

	_, _, err := idempotency.Check(context.Background(), store, key, []byte(`{"x":1}`), process)
	require.NoError(t, err)

	status, body, err := idempotency.Check(context.Background(), store, key, []byte(`{"x":1}`), process)
	require.NoError(t, err)
	assert.Equal(t, 200, status, "a replay hit always reports 200, regardless of the stored status")
	assert.Equal(t, []byte("created"), body)
	assert.Equal(t, 1, calls, "second call must replay without invoking process again")
}

func TestCheck_HitDifferentBodyConflicts(t *testing.T) {
	store := idempotency.NewMemoryStore(idempotency.MinTTL)
	key := uuid.NewString()
	process := func() (int, []byte, error) { return 201, []byte("created"), nil }

	_, _, err := idempotency.Check(context.Background(), store, key, []byte(`{"x":1}`), process)
	require.NoError(t, err)

	_, _, err = idempotency.Check(context.Background(), store, key, []byte(`{"x":2}`), process)
	require.Error(t, err)
	var conflict *idempotency.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestCheck_InvalidKeyRejected(t *testing.T) {
	store := idempotency.NewMemoryStore(idempotency.MinTTL)
	_, _, err := idempotency.Check(context.Background(), store, "not-a-uuid", nil, func() (int, []byte, error) {
		return 200, nil, nil
	})
	require.Error(t, err)
}

func TestMemoryStore_SweepLeavesFreshRecords(t *testing.T) {
	store := idempotency.NewMemoryStore(idempotency.MinTTL)
	key := uuid.NewString()
	_, won, err := store.Put(context.Background(), idempotency.Record{Key: key, BodyHash: "h", Status: 200})
	require.NoError(t, err)
	require.True(t, won)

	removed := store.Sweep()
	assert.Equal(t, 0, removed)

	_, found, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	key := uuid.NewString()
	mock.ExpectQuery("SELECT body_hash, status_code, response, created_at FROM idempotency_keys").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"body_hash", "status_code", "response", "created_at"}))

	store := idempotency.NewPostgresStore(db, idempotency.MinTTL)
	_, found, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Put_FirstWriteWins(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	key := uuid.NewString()
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs(key, "hash", 201, []byte("body")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := idempotency.NewPostgresStore(db, idempotency.MinTTL)
	rec, won, err := store.Put(context.Background(), idempotency.Record{
		Key: key, BodyHash: "hash", Status: 201, Response: []byte("body"),
	})
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, 201, rec.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
