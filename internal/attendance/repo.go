package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateSubmission is returned when (session, device fingerprint)
// already exists. The unique constraint in Postgres is the authority for this
// invariant; client-side checks are advisory.
var ErrDuplicateSubmission = errors.New("attendance already recorded for this device")

// ErrSessionNotFound is returned when no active, unexpired session matches.
var ErrSessionNotFound = errors.New("session not found")

// Session is one attendance window. Code and NetworkToken are the two short
// secrets distributed by the operator.
type Session struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Code         string     `json:"code"`
	NetworkToken string     `json:"network_token"`
	Active       bool       `json:"active"`
	StartsAt     *time.Time `json:"starts_at,omitempty"`
	EndsAt       *time.Time `json:"ends_at,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
	// Geofence center and radius; nil fields mean no geofence is enforced.
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	RadiusMeters *float64  `json:"radius_meters,omitempty"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}

// Record is a single accepted submission. Records are written once and never
// mutated; deleting a session cascades to its records.
type Record struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	StudentName       string    `json:"student_name"`
	StudentID         string    `json:"student_id"`
	Branch            string    `json:"branch"`
	Division          string    `json:"division"`
	Batch             string    `json:"batch"`
	Room              string    `json:"room"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	Latitude          *float64  `json:"latitude,omitempty"`
	Longitude         *float64  `json:"longitude,omitempty"`
	RecordedAt        time.Time `json:"recorded_at"`
}

// Repository persists sessions and attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateSession inserts a new session. Code and token uniqueness across
// active sessions is enforced by a partial unique index; exact duplicates are
// rejected even though collisions in a 32^8 keyspace are negligible.
func (r *Repository) CreateSession(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, name, code, network_token, active, starts_at, ends_at, expires_at, latitude, longitude, radius_meters, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at
	`, s.ID, s.Name, s.Code, s.NetworkToken, s.Active, s.StartsAt, s.EndsAt, s.ExpiresAt, s.Latitude, s.Longitude, s.RadiusMeters, s.CreatedBy)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return Session{}, err
	}
	return s, nil
}

const sessionColumns = `id, name, code, network_token, active, starts_at, ends_at, expires_at, latitude, longitude, radius_meters, created_by, created_at`

func scanSession(row *sql.Row) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.Name, &s.Code, &s.NetworkToken, &s.Active, &s.StartsAt, &s.EndsAt,
		&s.ExpiresAt, &s.Latitude, &s.Longitude, &s.RadiusMeters, &s.CreatedBy, &s.CreatedAt)
	return s, err
}

// FindActiveSessionByCode returns the session matching code that is active
// and not yet expired, or ErrSessionNotFound.
func (r *Repository) FindActiveSessionByCode(ctx context.Context, code string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE code = $1 AND active = TRUE AND expires_at > NOW()
	`, code)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// GetSession returns a session by id regardless of its active flag.
func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// SetSessionActive toggles the active flag.
func (r *Repository) SetSessionActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session; attendance rows cascade via the schema's
// foreign key.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeactivateExpiredSessions flips the active flag off for every session past
// its expiry. Run periodically so stale codes stop resolving even though
// FindActiveSessionByCode checks expiry itself.
func (r *Repository) DeactivateExpiredSessions(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET active = FALSE WHERE active = TRUE AND expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertAttendance writes a new record. A unique violation on
// (session_id, device_fingerprint) maps to ErrDuplicateSubmission; the second
// attempt from a device must be rejected, never overwritten.
func (r *Repository) InsertAttendance(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_name, student_id, branch, division, batch, room, device_fingerprint, latitude, longitude, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.ID, rec.SessionID, rec.StudentName, rec.StudentID, rec.Branch, rec.Division, rec.Batch, rec.Room,
		rec.DeviceFingerprint, rec.Latitude, rec.Longitude, rec.RecordedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrDuplicateSubmission
		}
		return Record{}, err
	}
	return rec, nil
}

const recordColumns = `id, session_id, student_name, student_id, branch, division, batch, room, device_fingerprint, latitude, longitude, recorded_at`

// FindAttendanceByDevice returns the record for (sessionID, fingerprint), or
// nil when the device has not submitted yet.
func (r *Repository) FindAttendanceByDevice(ctx context.Context, sessionID, fingerprint string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE session_id = $1 AND device_fingerprint = $2
	`, sessionID, fingerprint)
	var rec Record
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentName, &rec.StudentID, &rec.Branch, &rec.Division,
		&rec.Batch, &rec.Room, &rec.DeviceFingerprint, &rec.Latitude, &rec.Longitude, &rec.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CountAttendance returns the number of records for a session.
func (r *Repository) CountAttendance(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance_records WHERE session_id = $1`, sessionID).Scan(&n)
	return n, err
}

// ListAttendance returns a session's records ordered by recorded time
// ascending.
func (r *Repository) ListAttendance(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY recorded_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentName, &rec.StudentID, &rec.Branch, &rec.Division,
			&rec.Batch, &rec.Room, &rec.DeviceFingerprint, &rec.Latitude, &rec.Longitude, &rec.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
