package execution

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statuswire/statuswire/db"
	"github.com/statuswire/statuswire/errors"
	sqlitetest "github.com/statuswire/statuswire/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database := sqlitetest.CreateTestDB(t)
	require.NoError(t, db.Migrate(database, nil))
	return NewStore(database)
}

func TestApplyTransitionCreatesRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record, err := store.ApplyTransition(ctx, &TransitionRequest{
		ID:       "r1",
		Status:   StatusRunning,
		Metadata: map[string]string{"userId": "u1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "r1", record.ID)
	assert.Equal(t, StatusRunning, record.Status)

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "u1", got.Metadata["userId"])
}

// Ingest started -> completed -> replayed started: the record must end (and
// stay) completed with the finish time intact.
func TestApplyTransitionNoTerminalRegression(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ApplyTransition(ctx, &TransitionRequest{ID: "r1", Status: StatusRunning})
	require.NoError(t, err)

	finished := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	record, err := store.ApplyTransition(ctx, &TransitionRequest{
		ID:          "r1",
		Status:      StatusCompleted,
		ProcessedAt: &finished,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)

	// Duplicate of the original started event arrives late
	record, err = store.ApplyTransition(ctx, &TransitionRequest{ID: "r1", Status: StatusRunning})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, finished.Equal(*got.ProcessedAt))
}

func TestApplyTransitionDuplicateDelivery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := &TransitionRequest{
		ID:       "r1",
		Status:   StatusCompleted,
		Metadata: map[string]string{"userId": "u1"},
	}

	first, err := store.ApplyTransition(ctx, req)
	require.NoError(t, err)
	second, err := store.ApplyTransition(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Metadata, second.Metadata)
}

func TestApplyTransitionMergesMetadataAdditively(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ApplyTransition(ctx, &TransitionRequest{
		ID:       "r1",
		Status:   StatusFailed,
		Metadata: map[string]string{"userId": "u1"},
	})
	require.NoError(t, err)

	errMsg := "timeout waiting for worker"
	record, err := store.ApplyTransition(ctx, &TransitionRequest{
		ID:           "r1",
		Status:       StatusRunning,
		ErrorMessage: &errMsg,
		Metadata:     map[string]string{"attempt": "2"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, record.Status)
	assert.Equal(t, "u1", record.Metadata["userId"])
	assert.Equal(t, "2", record.Metadata["attempt"])
	require.NotNil(t, record.ErrorMessage)
	assert.Equal(t, errMsg, *record.ErrorMessage)
}

func TestApplyTransitionRejectsInvalidRequest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ApplyTransition(ctx, &TransitionRequest{Status: StatusRunning})
	assert.True(t, errors.IsValidation(err))

	_, err = store.ApplyTransition(ctx, &TransitionRequest{ID: "r1", Status: Status("bogus")})
	assert.True(t, errors.IsValidation(err))
}

// A persistently failing database exhausts the bounded retries and surfaces
// ErrPersistence so the producer can redeliver.
func TestApplyTransitionRetriesThenFails(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	for i := 0; i < applyAttempts; i++ {
		mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))
	}

	store := NewStore(mockDB)
	_, err = store.ApplyTransition(context.Background(), &TransitionRequest{ID: "r1", Status: StatusRunning})
	require.Error(t, err)
	assert.True(t, errors.IsPersistence(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingRecord(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestListFiltersByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ApplyTransition(ctx, &TransitionRequest{ID: "r1", Status: StatusRunning})
	require.NoError(t, err)
	_, err = store.ApplyTransition(ctx, &TransitionRequest{ID: "r2", Status: StatusCompleted})
	require.NoError(t, err)

	completed := StatusCompleted
	records, err := store.List(ctx, &completed, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r2", records[0].ID)

	all, err := store.List(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
