package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"background-jobs/internal/logging"
	"background-jobs/internal/models"
)

// Mailer delivers email. Delivery itself is outside this service.
type Mailer interface {
	Send(ctx context.Context, msg Email) error
}

// Email is the message handed to a Mailer.
type Email struct {
	To      string
	Subject string
	Body    string
	HTML    bool
	CC      []string
	BCC     []string
}

// Notifier delivers a user notification over the requested channels.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Notification struct {
	UserID   int64
	Type     string
	Message  string
	Channels []string
}

// LogMailer records emails in the log instead of sending them.
type LogMailer struct{ Logger *slog.Logger }

func (m LogMailer) Send(_ context.Context, msg Email) error {
	logging.Resolve(m.Logger).Info("email sent", "to", msg.To, "subject", msg.Subject, "html", msg.HTML)
	return nil
}

// LogNotifier records notifications in the log instead of delivering them.
type LogNotifier struct{ Logger *slog.Logger }

func (n LogNotifier) Notify(_ context.Context, note Notification) error {
	logging.Resolve(n.Logger).Info("notification sent", "user_id", note.UserID, "type", note.Type, "channels", note.Channels)
	return nil
}

type emailPayload struct {
	ToEmail string   `json:"to_email"`
	To      string   `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	IsHTML  bool     `json:"is_html"`
	CC      []string `json:"cc"`
	BCC     []string `json:"bcc"`
}

// EmailHandler executes send_email jobs.
func EmailHandler(m Mailer) Handler {
	return HandlerFunc(func(ctx context.Context, job models.Job) (string, error) {
		var p emailPayload
		if err := decodePayload(job, &p); err != nil {
			return "", err
		}
		to := p.ToEmail
		if to == "" {
			to = p.To
		}
		if to == "" {
			return "", Permanent(errors.New("to_email is required"))
		}
		err := m.Send(ctx, Email{To: to, Subject: p.Subject, Body: p.Body, HTML: p.IsHTML, CC: p.CC, BCC: p.BCC})
		if err != nil {
			return "", fmt.Errorf("send email to %s: %w", to, err)
		}
		return fmt.Sprintf("Email sent to %s", to), nil
	})
}

type notificationPayload struct {
	UserID           *int64   `json:"user_id"`
	Message          string   `json:"message"`
	NotificationType string   `json:"notification_type"`
	Channels         []string `json:"channels"`
}

// NotificationHandler executes notification jobs. Without a user_id the
// notification goes to the job's creator.
func NotificationHandler(n Notifier) Handler {
	return HandlerFunc(func(ctx context.Context, job models.Job) (string, error) {
		var p notificationPayload
		if err := decodePayload(job, &p); err != nil {
			return "", err
		}
		userID := p.UserID
		if userID == nil {
			userID = job.CreatedBy
		}
		if userID == nil {
			return "", Permanent(errors.New("user_id is required"))
		}
		if p.NotificationType == "" {
			p.NotificationType = "info"
		}
		if len(p.Channels) == 0 {
			p.Channels = []string{"email"}
		}
		err := n.Notify(ctx, Notification{UserID: *userID, Type: p.NotificationType, Message: p.Message, Channels: p.Channels})
		if err != nil {
			return "", fmt.Errorf("notify user %d: %w", *userID, err)
		}
		return fmt.Sprintf("Notification sent to user %d", *userID), nil
	})
}

type dataProcessingPayload struct {
	DataSource     string         `json:"data_source"`
	ProcessingType string         `json:"processing_type"`
	Parameters     map[string]any `json:"parameters"`
	Records        []any          `json:"records"`
}

// DataProcessingHandler executes data_processing jobs. Inline records are
// counted directly; otherwise parameters.count (default 100) is used. One in
// five records is treated as rejected.
func DataProcessingHandler() Handler {
	return HandlerFunc(func(ctx context.Context, job models.Job) (string, error) {
		var p dataProcessingPayload
		if err := decodePayload(job, &p); err != nil {
			return "", err
		}
		if p.DataSource == "" {
			return "", Permanent(errors.New("data_source is required"))
		}
		total := 100
		if p.Records != nil {
			total = len(p.Records)
		} else if v, set := p.Parameters["count"]; set {
			n, ok := asCount(v)
			if !ok {
				return "", Permanent(fmt.Errorf("count must be an integer within [0, %d], got %v", maxRecordCount, v))
			}
			total = n
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		processed := total * 8 / 10
		return fmt.Sprintf("Processed %d records from %s", processed, p.DataSource), nil
	})
}

// maxRecordCount bounds parameters.count for data_processing jobs.
const maxRecordCount = 1_000_000_000

// asCount converts a decoded JSON number to a record count within
// [0, maxRecordCount].
func asCount(v any) (int, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	default:
		return 0, false
	}
	if f != math.Trunc(f) || f < 0 || f > maxRecordCount {
		return 0, false
	}
	return int(f), true
}
