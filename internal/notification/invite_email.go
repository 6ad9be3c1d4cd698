package notification

import (
	"context"
	"fmt"
	"html"
	"log"
	"time"
)

// InviteMailer composes and sends recording invite emails. Delivery is
// fire-and-forget: the boolean result feeds the invite's notification_sent
// flag and failures never block invite creation.
type InviteMailer struct {
	client *ResendClient
}

// NewInviteMailer wraps a ResendClient for invite delivery.
func NewInviteMailer(client *ResendClient) *InviteMailer {
	return &InviteMailer{client: client}
}

// Enabled reports whether outbound email is configured.
func (m *InviteMailer) Enabled() bool {
	return m.client != nil && m.client.Enabled()
}

// SendInvite emails a recording link to a participant. Returns true when the
// API accepted the message.
func (m *InviteMailer) SendInvite(ctx context.Context, email, name, sessionName, recordURL string, ttl time.Duration) bool {
	if !m.Enabled() {
		log.Printf("[Mailer] email skipped (no API key configured) for %s", email)
		return false
	}

	msg := ResendMessage{
		To:      []string{email},
		Subject: fmt.Sprintf("Recording Invite: %s", sessionName),
		HTML:    inviteBody(name, sessionName, recordURL, ttl),
	}

	resp, err := m.client.Send(ctx, msg)
	if err != nil {
		log.Printf("[Mailer] invite email to %s failed: %v", email, err)
		return false
	}
	log.Printf("[Mailer] invite email sent to %s (id %s)", email, resp.ID)
	return true
}

func inviteBody(name, sessionName, recordURL string, ttl time.Duration) string {
	hours := int(ttl.Hours())
	return fmt.Sprintf(`
<div style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; max-width: 520px; margin: 0 auto; padding: 40px 20px;">
  <h1 style="font-size: 20px; text-align: center;">You're Invited to Record</h1>
  <p style="font-size: 14px; text-align: center;">
    Hi %s, you've been invited to join<br><strong>%s</strong>
  </p>
  <div style="text-align: center; margin: 28px 0;">
    <a href="%s" style="display: inline-block; background: #22d67a; color: #0b0d11; padding: 14px 36px; border-radius: 10px; font-weight: 700; text-decoration: none;">Open Recording Page</a>
  </div>
  <p style="font-size: 12px; color: #7a7f92;">
    Click the button, allow microphone access and press Start Recording.
    Keep the tab open during your call and press Stop &amp; Submit when done.
  </p>
  <p style="font-size: 12px; color: #f0a030;">This link expires in %d hours and can only be used once.</p>
</div>`,
		html.EscapeString(name), html.EscapeString(sessionName), recordURL, hours)
}
