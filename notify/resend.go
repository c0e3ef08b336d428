package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"
)

const defaultResendBaseURL = "https://api.resend.com"

// ResendNotifier sends notification emails through the Resend API.
type ResendNotifier struct {
	// APIKey is the Resend API key.
	APIKey string

	// From is the sender address, e.g. "Averlane <noreply@averlane.com>".
	From string

	// BaseURL overrides the Resend API endpoint. Empty means production.
	BaseURL string

	// HTTPClient overrides the HTTP client. Nil means a client with a
	// 10-second timeout.
	HTTPClient *http.Client
}

type resendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// AppInstalled implements Notifier by sending an "app connected" email.
func (n *ResendNotifier) AppInstalled(ctx context.Context, event AppInstalled) error {
	if event.Email == "" {
		return fmt.Errorf("recipient email is empty")
	}

	subject := fmt.Sprintf("%s connected to %s", event.AppName, event.TeamName)
	payload := resendEmailRequest{
		From:    n.From,
		To:      []string{event.Email},
		Subject: subject,
		HTML:    appInstalledHTML(event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode email: %w", err)
	}

	baseURL := n.BaseURL
	if baseURL == "" {
		baseURL = defaultResendBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build email request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := n.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("resend returned status %d: %s", resp.StatusCode, detail)
	}
	return nil
}

func appInstalledHTML(event AppInstalled) string {
	name := event.UserName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf(
		"<p>Hi %s,</p><p><strong>%s</strong> is now connected to <strong>%s</strong>. "+
			"If you did not authorize this, revoke its access from your team settings.</p>",
		html.EscapeString(name),
		html.EscapeString(event.AppName),
		html.EscapeString(event.TeamName),
	)
}

var _ Notifier = (*ResendNotifier)(nil)
