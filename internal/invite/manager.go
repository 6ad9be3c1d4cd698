package invite

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/echobooth/echobooth/internal/sanitize"
	"github.com/echobooth/echobooth/internal/store"
)

// RejectReason classifies why a token was refused for recording.
type RejectReason string

const (
	ReasonNotFound    RejectReason = "not_found"
	ReasonExpired     RejectReason = "expired"
	ReasonAlreadyUsed RejectReason = "already_used"
)

// RejectionError is returned when a token cannot authorize a recording.
type RejectionError struct {
	Reason RejectReason
	Token  string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("invite: token rejected (%s)", e.Reason)
}

// ReasonOf extracts the rejection reason from err, if it is a RejectionError.
func ReasonOf(err error) (RejectReason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// tokenBytes gives 128 bits of entropy, hex-encoded to a fixed 32 characters.
const tokenBytes = 16

// maxNameRunes bounds participant and session names as stored and echoed
// back; filenames get their own tighter cap in the sanitize package.
const maxNameRunes = 80

// Manager enforces the invite token state machine on top of the store.
// All transitions go through single-statement conditional updates in the
// store, so two concurrent admissions on the same token resolve to exactly
// one winner without any per-token locking here.
type Manager struct {
	store *store.Store
	ttl   time.Duration

	now func() time.Time // test seam
}

// NewManager creates a lifecycle manager with the given token TTL.
func NewManager(st *store.Store, ttl time.Duration) *Manager {
	return &Manager{
		store: st,
		ttl:   ttl,
		now:   time.Now,
	}
}

// TTL returns the configured invite time-to-live.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// CreateInvite generates an unguessable token and persists a new pending
// invite. An empty display name defaults to the local part of the email.
func (m *Manager) CreateInvite(ctx context.Context, email, displayName, sessionName string) (*store.Invite, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("invite: email required")
	}
	displayName = sanitize.TrimToRunes(displayName, maxNameRunes)
	if displayName == "" {
		displayName = email
		if at := strings.IndexByte(email, '@'); at > 0 {
			displayName = email[:at]
		}
	}
	sessionName = sanitize.TrimToRunes(sessionName, maxNameRunes)
	if sessionName == "" {
		sessionName = "Recording Session"
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	inv := store.Invite{
		Token:       token,
		Email:       email,
		DisplayName: displayName,
		SessionName: sessionName,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
		Status:      store.StatusPending,
	}
	if err := m.store.CreateInvite(ctx, inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// ValidateForRecording checks whether token may authorize a new recording.
// It performs the lazy Pending -> Expired flip as a side effect when the
// expiry window has passed. It does not consume the token; BeginRecording is
// the single authorization gate.
func (m *Manager) ValidateForRecording(ctx context.Context, token string) (*store.Invite, error) {
	inv, err := m.store.GetInvite(ctx, token)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, &RejectionError{Reason: ReasonNotFound, Token: token}
		}
		return nil, err
	}

	switch inv.Status {
	case store.StatusPending:
		if m.now().After(inv.ExpiresAt) {
			// Persist the flip; a concurrent flip losing the race is fine,
			// the outcome is the same terminal state.
			if _, err := m.store.TransitionStatus(ctx, token, store.StatusPending, store.StatusExpired); err != nil {
				return nil, err
			}
			return nil, &RejectionError{Reason: ReasonExpired, Token: token}
		}
		return inv, nil
	case store.StatusExpired:
		return nil, &RejectionError{Reason: ReasonExpired, Token: token}
	default:
		// Recording, Completed: single-use, no resume under the same token.
		return nil, &RejectionError{Reason: ReasonAlreadyUsed, Token: token}
	}
}

// BeginRecording transitions Pending -> Recording. Exactly one concurrent
// caller can win; losers get AlreadyUsed.
func (m *Manager) BeginRecording(ctx context.Context, token string) error {
	ok, err := m.store.TransitionStatus(ctx, token, store.StatusPending, store.StatusRecording)
	if err != nil {
		return err
	}
	if !ok {
		return &RejectionError{Reason: ReasonAlreadyUsed, Token: token}
	}
	return nil
}

// Complete transitions Recording -> Completed and attaches the artifact
// metadata. Callers must invoke this exactly once per session; a second call
// reports an error rather than overwriting the artifact reference.
func (m *Manager) Complete(ctx context.Context, token, recordingFile string, sizeBytes int64, durationSec float64) error {
	ok, err := m.store.CompleteRecording(ctx, token, recordingFile, sizeBytes, durationSec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("invite: complete: token %s not in recording state", token)
	}
	return nil
}

// SweepExpired flips all overdue pending invites to Expired.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	return m.store.SweepExpired(ctx, m.now())
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("invite: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
