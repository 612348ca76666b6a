package worker

import (
	"context"
	"fmt"

	"background-jobs/internal/models"
	"background-jobs/internal/store"
)

type cleanupPayload struct {
	CleanupType   string `json:"cleanup_type"`
	OlderThanDays *int   `json:"older_than_days"`
	DryRun        bool   `json:"dry_run"`
}

// CleanupHandler executes cleanup jobs. Cleanup types "jobs" and "general"
// purge terminal job records older than older_than_days (1..365, default 30).
func CleanupHandler(st store.Store) Handler {
	return HandlerFunc(func(ctx context.Context, job models.Job) (string, error) {
		var p cleanupPayload
		if err := decodePayload(job, &p); err != nil {
			return "", err
		}
		if p.CleanupType == "" {
			p.CleanupType = "general"
		}
		days := 30
		if p.OlderThanDays != nil {
			days = *p.OlderThanDays
		}
		if days < 1 || days > 365 {
			return "", Permanent(fmt.Errorf("older_than_days must be within [1, 365], got %d", days))
		}

		switch p.CleanupType {
		case "jobs", "general":
		default:
			return "", Permanent(fmt.Errorf("unsupported cleanup_type %q", p.CleanupType))
		}

		if p.DryRun {
			return fmt.Sprintf("Cleanup dry run completed: %s", p.CleanupType), nil
		}
		n, err := st.DeleteOlderThan(ctx, days, true)
		if err != nil {
			return "", fmt.Errorf("delete jobs older than %d days: %w", days, err)
		}
		return fmt.Sprintf("Cleanup completed: %s (%d records removed)", p.CleanupType, n), nil
	})
}
