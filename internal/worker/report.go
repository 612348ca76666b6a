package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"background-jobs/internal/models"
	"background-jobs/internal/store"
)

type reportPayload struct {
	Format      string `json:"format"`
	OutputKey   string `json:"output_key"`
	Destination string `json:"destination"`
}

type jobReport struct {
	GeneratedAt time.Time `json:"generated_at"`
	models.Statistics
}

// ReportHandler executes report_generation jobs: it renders current job
// statistics as JSON or CSV and uploads the file.
func ReportHandler(st store.Store, artifacts *Artifacts) Handler {
	return HandlerFunc(func(ctx context.Context, job models.Job) (string, error) {
		var p reportPayload
		if err := decodePayload(job, &p); err != nil {
			return "", err
		}
		if p.Format == "" {
			p.Format = "json"
		}
		uploader, err := artifacts.Pick(p.Destination)
		if err != nil {
			return "", err
		}

		stats, err := st.Statistics(ctx)
		if err != nil {
			return "", fmt.Errorf("load statistics: %w", err)
		}
		report := jobReport{GeneratedAt: time.Now().UTC(), Statistics: stats}

		var (
			body        []byte
			contentType string
		)
		switch p.Format {
		case "json":
			body, err = json.MarshalIndent(report, "", "  ")
			contentType = "application/json"
		case "csv":
			body, err = reportCSV(report)
			contentType = "text/csv"
		default:
			return "", Permanent(fmt.Errorf("unsupported report format %q", p.Format))
		}
		if err != nil {
			return "", fmt.Errorf("render report: %w", err)
		}

		key := p.OutputKey
		if key == "" {
			key = fmt.Sprintf("reports/%s.%s", job.JobID, p.Format)
		}
		location, err := uploader.Upload(ctx, key, body, contentType)
		if err != nil {
			return "", fmt.Errorf("upload report: %w", err)
		}
		return fmt.Sprintf("Report generated: %s", location), nil
	})
}

func reportCSV(r jobReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{
		{"dimension", "key", "count"},
		{"total", "all", strconv.FormatInt(r.Total, 10)},
	}
	for _, s := range models.AllStatuses {
		rows = append(rows, []string{"status", string(s), strconv.FormatInt(r.ByStatus[s], 10)})
	}
	types := make([]string, 0, len(r.ByType))
	for t := range r.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		rows = append(rows, []string{"job_type", t, strconv.FormatInt(r.ByType[models.JobType(t)], 10)})
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
