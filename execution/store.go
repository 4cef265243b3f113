package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/statuswire/statuswire/errors"
)

const (
	// applyAttempts bounds how often a failed upsert is retried before the
	// transition is surfaced as a persistence error.
	applyAttempts = 3
	// applyBackoff is the base delay between upsert attempts.
	applyBackoff = 100 * time.Millisecond
)

// Store handles durable persistence of execution records.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates an execution store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// ApplyTransition durably upserts the transition and returns the resulting
// record. The operation is idempotent and keyed by request ID: duplicate or
// out-of-order delivery never regresses a terminal record, though metadata
// and error message are still merged in additively. If no record exists one
// is created with the incoming status as initial.
//
// The commit completes before the caller publishes any broadcast, so a
// client that reads the store right after receiving an event sees consistent
// data. On storage failure the operation retries with bounded backoff and
// finally fails with errors.ErrPersistence; the caller must not publish in
// that case.
func (s *Store) ApplyTransition(ctx context.Context, req *TransitionRequest) (*Record, error) {
	if req.ID == "" {
		return nil, errors.Wrap(errors.ErrValidation, "transition has no execution id")
	}
	if !req.Status.IsValid() {
		return nil, errors.Wrapf(errors.ErrValidation, "invalid status %q", req.Status)
	}

	var lastErr error
	for attempt := 1; attempt <= applyAttempts; attempt++ {
		record, err := s.applyOnce(ctx, req)
		if err == nil {
			return record, nil
		}
		lastErr = err

		if attempt < applyAttempts {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "apply transition cancelled")
			case <-time.After(applyBackoff * time.Duration(attempt)):
			}
		}
	}

	err := errors.Wrapf(errors.ErrPersistence, "apply transition for %s after %d attempts", req.ID, applyAttempts)
	return nil, errors.WithDetail(err, lastErr.Error())
}

// applyOnce performs one transactional read-merge-write cycle.
func (s *Store) applyOnce(ctx context.Context, req *TransitionRequest) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	now := s.now().UTC()

	existing, err := s.getTx(ctx, tx, req.ID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	var record *Record
	if existing == nil {
		record = newRecord(req, now)
		if err := s.insertTx(ctx, tx, record); err != nil {
			return nil, err
		}
	} else {
		record = existing
		record.apply(req, now)
		if err := s.updateTx(ctx, tx, record); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}
	return record, nil
}

// Get retrieves an execution record by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	return s.get(ctx, s.db, id)
}

// List returns records, optionally filtered by status, newest first.
func (s *Store) List(ctx context.Context, status *Status, limit int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM executions`
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, errors.Wrap(rows.Err(), "iterate executions")
}

// Ping reports store connectivity for the health probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const recordColumns = `id, external_run_id, workflow_id, subject_ref, status, error_message, metadata, started_at, processed_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var externalRunID, workflowID, subjectRef, errorMessage, metadata sql.NullString
	var processedAt sql.NullTime

	err := row.Scan(
		&record.ID,
		&externalRunID,
		&workflowID,
		&subjectRef,
		&record.Status,
		&errorMessage,
		&metadata,
		&record.StartedAt,
		&processedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan execution")
	}

	record.ExternalRunID = externalRunID.String
	record.WorkflowID = workflowID.String
	record.SubjectRef = subjectRef.String
	if errorMessage.Valid {
		record.ErrorMessage = &errorMessage.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		record.ProcessedAt = &t
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &record.Metadata); err != nil {
			return nil, errors.Wrapf(err, "unmarshal metadata for %s", record.ID)
		}
	}

	return &record, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) get(ctx context.Context, q queryRower, id string) (*Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM executions WHERE id = ?`, id)
	record, err := scanRecord(row)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, errors.Wrapf(errors.ErrNotFound, "execution %s", id)
	}
	return record, err
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, id string) (*Record, error) {
	return s.get(ctx, tx, id)
}

func (s *Store) insertTx(ctx context.Context, tx *sql.Tx, record *Record) error {
	metadataJSON, err := marshalMetadata(record.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (
			id, external_run_id, workflow_id, subject_ref, status,
			error_message, metadata, started_at, processed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		nullString(record.ExternalRunID),
		nullString(record.WorkflowID),
		nullString(record.SubjectRef),
		string(record.Status),
		nullStringPtr(record.ErrorMessage),
		metadataJSON,
		record.StartedAt,
		nullTimePtr(record.ProcessedAt),
		record.UpdatedAt,
	)
	return errors.Wrapf(err, "insert execution %s", record.ID)
}

func (s *Store) updateTx(ctx context.Context, tx *sql.Tx, record *Record) error {
	metadataJSON, err := marshalMetadata(record.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE executions
		SET workflow_id = ?,
		    subject_ref = ?,
		    status = ?,
		    error_message = ?,
		    metadata = ?,
		    processed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`,
		nullString(record.WorkflowID),
		nullString(record.SubjectRef),
		string(record.Status),
		nullStringPtr(record.ErrorMessage),
		metadataJSON,
		nullTimePtr(record.ProcessedAt),
		record.UpdatedAt,
		record.ID,
	)
	return errors.Wrapf(err, "update execution %s", record.ID)
}

func marshalMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "marshal metadata")
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
