package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store represents the SQLite dispatch journal.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path, runs migrations and
// checks that every journal table is present.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; the frame loop is the only producer.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := ValidateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("validate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store closed")
	}
	return s.db.PingContext(ctx)
}

// RecordFrame writes a frame, its deliveries, and the capture transitions observed
// since the previous frame in a single transaction. The frame's digest is computed
// here and returned.
func (s *Store) RecordFrame(ctx context.Context, f *Frame, transitions []Transition) ([32]byte, error) {
	f.Digest = ComputeDigest(f)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return f.Digest, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO frames (frame, timestamp_ns, methods, captures, failures, frame_events, aborted, duration_ns, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Frame, f.TimestampNs, f.Methods, f.Captures, f.Failures, f.FrameEvents, f.Aborted, f.DurationNs, f.Digest[:],
	); err != nil {
		return f.Digest, fmt.Errorf("insert frame %d: %w", f.Frame, err)
	}

	if len(f.Deliveries) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO deliveries (frame, ordinal, method_id, handler_id, rank, distance, via_capture, captured, latency_ns, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return f.Digest, fmt.Errorf("prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, d := range f.Deliveries {
			var errText *string
			if d.Error != "" {
				errText = &d.Error
			}
			if _, err := stmt.ExecContext(ctx, f.Frame, d.Ordinal, d.Method, d.Handler, d.Order, d.Distance,
				d.ViaCapture, d.Captured, d.LatencyNs, errText); err != nil {
				return f.Digest, fmt.Errorf("insert delivery: %w", err)
			}
		}
	}

	if err := insertTransitions(ctx, tx, transitions); err != nil {
		return f.Digest, err
	}

	if err := tx.Commit(); err != nil {
		return f.Digest, fmt.Errorf("commit transaction: %w", err)
	}
	return f.Digest, nil
}

// RecordTransitions writes capture transitions that are not tied to a journaled frame,
// such as the ones flushed on shutdown.
func (s *Store) RecordTransitions(ctx context.Context, transitions []Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertTransitions(ctx, tx, transitions); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertTransitions(ctx context.Context, tx *sql.Tx, transitions []Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO capture_transitions (frame, kind, method_id, handler_id, reason, timestamp_ns)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, t := range transitions {
		if _, err := stmt.ExecContext(ctx, t.Frame, t.Kind, t.Method, t.Handler, t.Reason, t.TimestampNs); err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}
	}
	return nil
}

// GetFrame retrieves a frame with its deliveries. It returns nil when the frame was
// not journaled.
func (s *Store) GetFrame(frame uint64) (*Frame, error) {
	var f Frame
	var digest []byte

	err := s.db.QueryRow(`
		SELECT frame, timestamp_ns, methods, captures, failures, frame_events, aborted, duration_ns, digest
		FROM frames WHERE frame = ?`, frame,
	).Scan(&f.Frame, &f.TimestampNs, &f.Methods, &f.Captures, &f.Failures, &f.FrameEvents, &f.Aborted, &f.DurationNs, &digest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get frame: %w", err)
	}
	copy(f.Digest[:], digest)

	f.Deliveries, err = s.GetDeliveries(frame)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFrames returns frames in [from, to] without their deliveries.
func (s *Store) GetFrames(from, to uint64) ([]Frame, error) {
	rows, err := s.db.Query(`
		SELECT frame, timestamp_ns, methods, captures, failures, frame_events, aborted, duration_ns, digest
		FROM frames WHERE frame >= ? AND frame <= ?
		ORDER BY frame ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()
	return scanFrames(rows)
}

// GetDeliveries returns a frame's deliveries in the order they were recorded.
func (s *Store) GetDeliveries(frame uint64) ([]Delivery, error) {
	rows, err := s.db.Query(`
		SELECT ordinal, method_id, handler_id, rank, distance, via_capture, captured, latency_ns, error
		FROM deliveries WHERE frame = ?
		ORDER BY ordinal ASC`, frame)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var errText sql.NullString
		if err := rows.Scan(&d.Ordinal, &d.Method, &d.Handler, &d.Order, &d.Distance, &d.ViaCapture, &d.Captured, &d.LatencyNs, &errText); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Error = errText.String
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// GetTransitions returns capture transitions recorded at or after sinceFrame, oldest
// first. A limit of zero returns all of them.
func (s *Store) GetTransitions(sinceFrame uint64, limit int) ([]Transition, error) {
	query := `
		SELECT id, frame, kind, method_id, handler_id, reason, timestamp_ns
		FROM capture_transitions WHERE frame >= ?
		ORDER BY id ASC`
	args := []any{sinceFrame}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()
	return scanTransitions(rows)
}

// GetMethodTransitions returns the capture history of one method, oldest first.
func (s *Store) GetMethodTransitions(method uint64) ([]Transition, error) {
	rows, err := s.db.Query(`
		SELECT id, frame, kind, method_id, handler_id, reason, timestamp_ns
		FROM capture_transitions WHERE method_id = ?
		ORDER BY id ASC`, method)
	if err != nil {
		return nil, fmt.Errorf("query method transitions: %w", err)
	}
	defer rows.Close()
	return scanTransitions(rows)
}

// GetStats summarizes the journal.
func (s *Store) GetStats() (*Stats, error) {
	var st Stats
	var first, last sql.NullInt64

	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(aborted), 0), COALESCE(SUM(failures), 0), MIN(frame), MAX(frame)
		FROM frames`,
	).Scan(&st.Frames, &st.Aborted, &st.Failures, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("frame stats: %w", err)
	}
	st.FirstFrame = uint64(first.Int64)
	st.LastFrame = uint64(last.Int64)

	if err := s.db.QueryRow("SELECT COUNT(*) FROM deliveries").Scan(&st.Deliveries); err != nil {
		return nil, fmt.Errorf("delivery stats: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM capture_transitions").Scan(&st.Transitions); err != nil {
		return nil, fmt.Errorf("transition stats: %w", err)
	}
	return &st, nil
}

// Prune deletes frames, deliveries and transitions older than the newest keep frames.
// It returns the number of frames removed.
func (s *Store) Prune(ctx context.Context, keep uint64) (int64, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(frame) FROM frames").Scan(&last); err != nil {
		return 0, fmt.Errorf("find last frame: %w", err)
	}
	if !last.Valid || uint64(last.Int64) < keep {
		return 0, nil
	}
	cutoff := uint64(last.Int64) - keep

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM frames WHERE frame <= ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune frames: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM capture_transitions WHERE frame <= ?", cutoff); err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return res.RowsAffected()
}

func scanFrames(rows *sql.Rows) ([]Frame, error) {
	var frames []Frame
	for rows.Next() {
		var f Frame
		var digest []byte
		if err := rows.Scan(&f.Frame, &f.TimestampNs, &f.Methods, &f.Captures, &f.Failures, &f.FrameEvents, &f.Aborted, &f.DurationNs, &digest); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		copy(f.Digest[:], digest)
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frames: %w", err)
	}
	return frames, nil
}

func scanTransitions(rows *sql.Rows) ([]Transition, error) {
	var out []Transition
	for rows.Next() {
		var t Transition
		var reason sql.NullString
		if err := rows.Scan(&t.ID, &t.Frame, &t.Kind, &t.Method, &t.Handler, &reason, &t.TimestampNs); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.Reason = reason.String
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}
