package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/echobooth/echobooth/internal/invite"
	"github.com/echobooth/echobooth/internal/store"
)

type participantRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sessionCreateRequest struct {
	SessionName  string               `json:"session_name"`
	Participants []participantRequest `json:"participants"`
	SendEmails   bool                 `json:"send_emails"`
}

type quickInviteRequest struct {
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	SessionName string `json:"session_name,omitempty"`
}

type inviteResult struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	Token     string `json:"token"`
	Link      string `json:"link"`
	FullLink  string `json:"full_link"`
	EmailSent bool   `json:"email_sent"`
}

type sessionCreateResponse struct {
	SessionName  string         `json:"session_name"`
	Participants []inviteResult `json:"participants"`
}

type quickInviteResponse struct {
	inviteResult
	EmailConfigured bool `json:"email_configured"`
}

// inviteDTO is the admin projection of a token record. Artifact fields are
// pointers so untouched records project as null rather than zero values.
type inviteDTO struct {
	Token                string    `json:"token"`
	Email                string    `json:"email"`
	Name                 string    `json:"name"`
	SessionName          string    `json:"session_name"`
	CreatedAt            time.Time `json:"created_at"`
	ExpiresAt            time.Time `json:"expires_at"`
	Status               string    `json:"status"`
	RecordingFile        *string   `json:"recording_file"`
	RecordingSize        *int64    `json:"recording_size"`
	RecordingDurationSec *float64  `json:"recording_duration_sec"`
	NotificationSent     bool      `json:"notification_sent"`
}

func toInviteDTO(inv store.Invite) inviteDTO {
	dto := inviteDTO{
		Token:            inv.Token,
		Email:            inv.Email,
		Name:             inv.DisplayName,
		SessionName:      inv.SessionName,
		CreatedAt:        inv.CreatedAt,
		ExpiresAt:        inv.ExpiresAt,
		Status:           string(inv.Status),
		NotificationSent: inv.NotificationSent,
	}
	if inv.RecordingFile != "" {
		dto.RecordingFile = &inv.RecordingFile
		dto.RecordingSize = &inv.RecordingSize
		dto.RecordingDurationSec = &inv.RecordingDurationSec
	}
	return dto
}

// handleSessionsCreate creates a recording session: one invite per
// participant, optionally emailing each a link.
func (s *APIServer) handleSessionsCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SessionName) == "" {
		writeError(w, http.StatusBadRequest, "session_name is required")
		return
	}
	if len(req.Participants) == 0 {
		writeError(w, http.StatusBadRequest, "at least one participant is required")
		return
	}

	results := make([]inviteResult, 0, len(req.Participants))
	for _, p := range req.Participants {
		result, err := s.issueInvite(r, p.Email, p.Name, req.SessionName, req.SendEmails)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		results = append(results, result)
	}

	writeJSON(w, http.StatusOK, sessionCreateResponse{
		SessionName:  req.SessionName,
		Participants: results,
	})
}

// handleQuickInvite creates a single invite and always attempts delivery.
func (s *APIServer) handleQuickInvite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req quickInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.issueInvite(r, req.Email, req.Name, req.SessionName, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, quickInviteResponse{
		inviteResult:    result,
		EmailConfigured: s.mailer.Enabled(),
	})
}

func (s *APIServer) issueInvite(r *http.Request, email, name, sessionName string, sendEmail bool) (inviteResult, error) {
	inv, err := s.invites.CreateInvite(r.Context(), email, name, sessionName)
	if err != nil {
		return inviteResult{}, err
	}
	s.metrics.InvitesCreated.Add(1)

	link := "/record/" + inv.Token
	fullLink := strings.TrimRight(s.cfg.BaseURL, "/") + link

	emailSent := false
	if sendEmail {
		emailSent = s.mailer.SendInvite(r.Context(), inv.Email, inv.DisplayName, inv.SessionName, fullLink, s.invites.TTL())
		if emailSent {
			s.metrics.EmailsSent.Add(1)
		} else {
			s.metrics.EmailsFailed.Add(1)
		}
		if err := s.store.SetNotificationSent(r.Context(), inv.Token, emailSent); err != nil {
			log.Printf("[APIServer] record notification result for %s: %v", maskToken(inv.Token), err)
		}
	}

	return inviteResult{
		Email:     inv.Email,
		Name:      inv.DisplayName,
		Token:     inv.Token,
		Link:      link,
		FullLink:  fullLink,
		EmailSent: emailSent,
	}, nil
}

// handleTokensList is the admin projection over the token store. It runs the
// lazy expiry sweep first so the listing reflects current reality.
func (s *APIServer) handleTokensList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if _, err := s.invites.SweepExpired(r.Context()); err != nil {
		log.Printf("[APIServer] expiry sweep: %v", err)
	}

	invites, err := s.store.ListInvites(r.Context())
	if err != nil {
		log.Printf("[APIServer] list invites: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}

	dtos := make([]inviteDTO, 0, len(invites))
	for _, inv := range invites {
		dtos = append(dtos, toInviteDTO(inv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": dtos})
}

// handleRecordInfo supplies the recording page renderer with participant
// context, or a human-readable reason why the link is unusable.
func (s *APIServer) handleRecordInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/api/record/")
	if token == "" || strings.Contains(token, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	inv, err := s.invites.ValidateForRecording(r.Context(), token)
	if err != nil {
		reason, ok := invite.ReasonOf(err)
		if !ok {
			log.Printf("[APIServer] validate %s: %v", maskToken(token), err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeError(w, http.StatusNotFound, rejectionMessage(reason))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token":            inv.Token,
		"participant_name": inv.DisplayName,
		"session_name":     inv.SessionName,
	})
}

func rejectionMessage(reason invite.RejectReason) string {
	switch reason {
	case invite.ReasonExpired:
		return "This recording link has expired. Please request a new one from the session organizer."
	case invite.ReasonAlreadyUsed:
		return "This recording link has already been used. Each link can only be used once."
	default:
		return "Invalid or expired link. Please check with the session organizer for a new invite."
	}
}

// handleStatus reports daemon liveness information.
func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_sec":      int64(time.Since(s.startTime).Seconds()),
		"active_sessions": s.registry.Len(),
		"email_enabled":   s.mailer.Enabled(),
		"sample_rate":     s.cfg.SampleRate,
		"channels":        s.cfg.Channels,
		"token_ttl":       s.invites.TTL().String(),
	})
}

// handleMetrics renders the Prometheus exposition payload.
func (s *APIServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write(s.metrics.Export())
}
