package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attendguard/internal/codes"
	"attendguard/internal/fingerprint"
	"attendguard/internal/ledger"
)

// Service coordinates session creation and submission handling.
type Service struct {
	repo   *Repository
	ledger ledger.Ledger
	log    *zap.Logger
}

// NewService creates a service backed by a repository and an advisory
// duplicate ledger.
func NewService(repo *Repository, led ledger.Ledger, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if led == nil {
		led = ledger.NewMemory()
	}
	return &Service{repo: repo, ledger: led, log: log}
}

// CreateSession generates the session code and network token and persists the
// session. Both secrets are drawn independently.
func (s *Service) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.Name == "" {
		return Session{}, errors.New("session name required")
	}
	if sess.ExpiresAt.IsZero() {
		return Session{}, errors.New("session expiry required")
	}

	code, err := codes.SecureCode(codes.DefaultLength)
	if err != nil {
		return Session{}, fmt.Errorf("generate session code: %w", err)
	}
	token, err := codes.SecureCode(codes.DefaultLength)
	if err != nil {
		return Session{}, fmt.Errorf("generate network token: %w", err)
	}
	sess.Code = code
	sess.NetworkToken = token
	sess.Active = true

	created, err := s.repo.CreateSession(ctx, sess)
	if err != nil {
		return Session{}, err
	}
	s.log.Info("session created",
		zap.String("session_id", created.ID),
		zap.String("name", created.Name),
		zap.Time("expires_at", created.ExpiresAt))
	return created, nil
}

// Submit records an attendance submission. The ledger pre-check is a fast
// path only; the insert's unique constraint settles concurrent submissions
// from the same device.
func (s *Service) Submit(ctx context.Context, rec Record) (Record, error) {
	if rec.SessionID == "" || rec.DeviceFingerprint == "" {
		return Record{}, errors.New("session and device fingerprint required")
	}
	if rec.StudentName == "" || rec.StudentID == "" {
		return Record{}, errors.New("student name and id required")
	}

	seen, err := s.ledger.Seen(ctx, rec.SessionID, rec.DeviceFingerprint)
	if err != nil {
		// Ledger trouble never blocks a submission; the constraint decides.
		s.log.Warn("ledger check failed", zap.Error(err))
	} else if seen {
		return Record{}, ErrDuplicateSubmission
	}

	inserted, err := s.repo.InsertAttendance(ctx, rec)
	if err != nil {
		return Record{}, err
	}

	if _, err := s.ledger.Record(ctx, rec.SessionID, rec.DeviceFingerprint); err != nil {
		s.log.Warn("ledger record failed", zap.Error(err))
	}
	s.log.Info("attendance recorded",
		zap.String("session_id", inserted.SessionID),
		zap.String("record_id", inserted.ID),
		zap.String("device", fingerprint.ShortForm(inserted.DeviceFingerprint)),
		zap.Time("recorded_at", inserted.RecordedAt))
	return inserted, nil
}

// SessionWindow returns the time bounds the Time verification step enforces.
// Sessions without explicit bounds fall back to creation..expiry.
func SessionWindow(s Session) (start, end *time.Time) {
	start, end = s.StartsAt, s.EndsAt
	if end == nil && !s.ExpiresAt.IsZero() {
		e := s.ExpiresAt
		end = &e
	}
	return start, end
}
