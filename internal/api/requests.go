package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"unicode/utf8"
)

var emailPattern = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)

// typedRequest is a convenience endpoint body that validates itself and
// renders the job payload.
type typedRequest interface {
	validate() error
	payload() map[string]any
}

// decodeTyped decodes and validates the body, writing 400 on failure.
func decodeTyped(w http.ResponseWriter, r *http.Request, req typedRequest) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

type emailRequest struct {
	ToEmail     string           `json:"to_email"`
	Subject     string           `json:"subject"`
	Body        string           `json:"body"`
	IsHTML      bool             `json:"is_html"`
	CC          []string         `json:"cc"`
	BCC         []string         `json:"bcc"`
	Attachments []map[string]any `json:"attachments"`
}

func (e *emailRequest) validate() error {
	if !emailPattern.MatchString(e.ToEmail) {
		return fmt.Errorf("invalid to_email: %q", e.ToEmail)
	}
	if n := utf8.RuneCountInString(e.Subject); n < 1 || n > 200 {
		return fmt.Errorf("subject must be 1 to 200 characters")
	}
	if e.Body == "" {
		return fmt.Errorf("body is required")
	}
	for _, list := range [][]string{e.CC, e.BCC} {
		for _, addr := range list {
			if !emailPattern.MatchString(addr) {
				return fmt.Errorf("invalid email address: %s", addr)
			}
		}
	}
	return nil
}

func (e *emailRequest) payload() map[string]any {
	return map[string]any{
		"to_email":    e.ToEmail,
		"subject":     e.Subject,
		"body":        e.Body,
		"is_html":     e.IsHTML,
		"cc":          e.CC,
		"bcc":         e.BCC,
		"attachments": e.Attachments,
	}
}

type notificationRequest struct {
	Message          string         `json:"message"`
	NotificationType string         `json:"notification_type"`
	Channels         []string       `json:"channels"`
	UserID           *int64         `json:"user_id"`
	Metadata         map[string]any `json:"metadata"`
}

func (n *notificationRequest) validate() error {
	if l := utf8.RuneCountInString(n.Message); l < 1 || l > 1000 {
		return fmt.Errorf("message must be 1 to 1000 characters")
	}
	if n.NotificationType == "" {
		n.NotificationType = "info"
	}
	if len(n.Channels) == 0 {
		n.Channels = []string{"email"}
	}
	return nil
}

func (n *notificationRequest) payload() map[string]any {
	return map[string]any{
		"message":           n.Message,
		"notification_type": n.NotificationType,
		"channels":          n.Channels,
		"user_id":           n.UserID,
		"metadata":          n.Metadata,
	}
}

type dataProcessingRequest struct {
	DataSource     string         `json:"data_source"`
	ProcessingType string         `json:"processing_type"`
	Parameters     map[string]any `json:"parameters"`
	OutputFormat   string         `json:"output_format"`
}

func (d *dataProcessingRequest) validate() error {
	if d.DataSource == "" {
		return fmt.Errorf("data_source is required")
	}
	if d.ProcessingType == "" {
		return fmt.Errorf("processing_type is required")
	}
	if d.OutputFormat == "" {
		d.OutputFormat = "json"
	}
	return nil
}

func (d *dataProcessingRequest) payload() map[string]any {
	return map[string]any{
		"data_source":     d.DataSource,
		"processing_type": d.ProcessingType,
		"parameters":      d.Parameters,
		"output_format":   d.OutputFormat,
	}
}

type cleanupRequest struct {
	CleanupType   string `json:"cleanup_type"`
	OlderThanDays *int   `json:"older_than_days"`
	DryRun        bool   `json:"dry_run"`
}

func (c *cleanupRequest) validate() error {
	if c.CleanupType == "" {
		return fmt.Errorf("cleanup_type is required")
	}
	if c.OlderThanDays == nil {
		days := 30
		c.OlderThanDays = &days
	}
	if d := *c.OlderThanDays; d < 1 || d > 365 {
		return fmt.Errorf("older_than_days must be within [1, 365], got %d", d)
	}
	return nil
}

func (c *cleanupRequest) payload() map[string]any {
	return map[string]any{
		"cleanup_type":    c.CleanupType,
		"older_than_days": *c.OlderThanDays,
		"dry_run":         c.DryRun,
	}
}
