package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of an invite token.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRecording Status = "recording"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// timeFormat is the canonical on-disk timestamp representation. All values
// are stored in UTC so lexicographic comparison in SQL matches time order.
const timeFormat = time.RFC3339

// Invite represents one permitted recording attempt.
type Invite struct {
	Token                string
	Email                string
	DisplayName          string
	SessionName          string
	CreatedAt            time.Time
	ExpiresAt            time.Time
	Status               Status
	RecordingFile        string
	RecordingSize        int64
	RecordingDurationSec float64
	NotificationSent     bool
}

const inviteColumns = "token, email, display_name, session_name, created_at, expires_at, status, recording_file, recording_size, recording_duration_sec, notification_sent"

// CreateInvite persists a new invite record.
func (s *Store) CreateInvite(ctx context.Context, inv Invite) error {
	if err := s.ensureWritable("create invite"); err != nil {
		return err
	}
	if strings.TrimSpace(inv.Token) == "" {
		return fmt.Errorf("store: create invite: token required")
	}
	if strings.TrimSpace(inv.Email) == "" {
		return fmt.Errorf("store: create invite: email required")
	}
	if inv.Status == "" {
		inv.Status = StatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invites (token, email, display_name, session_name, created_at, expires_at, status, notification_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.Token, inv.Email, inv.DisplayName, inv.SessionName,
		inv.CreatedAt.UTC().Format(timeFormat), inv.ExpiresAt.UTC().Format(timeFormat),
		string(inv.Status), boolToInt(inv.NotificationSent))
	if err != nil {
		return fmt.Errorf("store: create invite: %w", err)
	}
	return nil
}

// GetInvite returns the invite record for token.
func (s *Store) GetInvite(ctx context.Context, token string) (*Invite, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, NotFoundError{Entity: "invite"}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+inviteColumns+`
		FROM invites WHERE token = ?
	`, token)

	inv, err := scanInvite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NotFoundError{Entity: "invite", Key: token}
		}
		return nil, fmt.Errorf("store: get invite: %w", err)
	}
	return inv, nil
}

// ListInvites returns all invite records, newest first.
func (s *Store) ListInvites(ctx context.Context) ([]Invite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inviteColumns+`
		FROM invites ORDER BY created_at DESC, token
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list invites: %w", err)
	}
	defer rows.Close()

	var invites []Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list invites: %w", err)
		}
		invites = append(invites, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list invites: %w", err)
	}
	return invites, nil
}

// TransitionStatus atomically moves an invite from one status to another.
// Returns false when the invite is missing or no longer in the expected
// status; the check-then-set happens inside a single UPDATE, so concurrent
// callers racing on the same token observe exactly one success.
func (s *Store) TransitionStatus(ctx context.Context, token string, from, to Status) (bool, error) {
	if err := s.ensureWritable("transition status"); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE invites SET status = ? WHERE token = ? AND status = ?
	`, string(to), token, string(from))
	if err != nil {
		return false, fmt.Errorf("store: transition status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: transition status: check rows: %w", err)
	}
	return rows > 0, nil
}

// CompleteRecording atomically finalizes an invite: Recording -> Completed
// with the artifact metadata attached. Returns false when the invite was not
// in Recording status.
func (s *Store) CompleteRecording(ctx context.Context, token, recordingFile string, sizeBytes int64, durationSec float64) (bool, error) {
	if err := s.ensureWritable("complete recording"); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE invites
		SET status = ?, recording_file = ?, recording_size = ?, recording_duration_sec = ?
		WHERE token = ? AND status = ?
	`, string(StatusCompleted), recordingFile, sizeBytes, durationSec, token, string(StatusRecording))
	if err != nil {
		return false, fmt.Errorf("store: complete recording: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: complete recording: check rows: %w", err)
	}
	return rows > 0, nil
}

// SetNotificationSent records the outcome of the invite email delivery.
func (s *Store) SetNotificationSent(ctx context.Context, token string, sent bool) error {
	if err := s.ensureWritable("set notification sent"); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE invites SET notification_sent = ? WHERE token = ?
	`, boolToInt(sent), token)
	if err != nil {
		return fmt.Errorf("store: set notification sent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set notification sent: check rows: %w", err)
	}
	if rows == 0 {
		return NotFoundError{Entity: "invite", Key: token}
	}
	return nil
}

// SweepExpired flips every pending invite whose expiry has passed to
// Expired. Safe to run redundantly and concurrently: each flip is a
// check-then-set inside one statement.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ensureWritable("sweep expired"); err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE invites SET status = ? WHERE status = ? AND expires_at < ?
	`, string(StatusExpired), string(StatusPending), now.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("store: sweep expired: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: sweep expired: check rows: %w", err)
	}
	return rows, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvite(row rowScanner) (*Invite, error) {
	var (
		inv          Invite
		createdAt    string
		expiresAt    string
		status       string
		file         sql.NullString
		size         sql.NullInt64
		duration     sql.NullFloat64
		notification int
	)
	if err := row.Scan(&inv.Token, &inv.Email, &inv.DisplayName, &inv.SessionName,
		&createdAt, &expiresAt, &status, &file, &size, &duration, &notification); err != nil {
		return nil, err
	}

	var err error
	if inv.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if inv.ExpiresAt, err = time.Parse(timeFormat, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	inv.Status = Status(status)
	inv.RecordingFile = file.String
	inv.RecordingSize = size.Int64
	inv.RecordingDurationSec = duration.Float64
	inv.NotificationSent = notification != 0
	return &inv, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
