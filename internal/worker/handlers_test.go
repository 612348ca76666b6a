package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-jobs/internal/config"
	"background-jobs/internal/models"
	"background-jobs/internal/store"
)

type fakeMailer struct {
	sent []Email
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg Email) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type fakeNotifier struct{ sent []Notification }

func (n *fakeNotifier) Notify(_ context.Context, note Notification) error {
	n.sent = append(n.sent, note)
	return nil
}

func jobWith(jobType models.JobType, payload map[string]any) models.Job {
	return models.Job{JobID: "job-1", JobType: jobType, Payload: payload}
}

func TestEmailHandler(t *testing.T) {
	m := &fakeMailer{}
	res, err := EmailHandler(m).Execute(context.Background(), jobWith(models.TypeEmail, map[string]any{
		"to_email": "a@b.com",
		"subject":  "hi",
		"is_html":  true,
	}))
	require.NoError(t, err)
	assert.Equal(t, "Email sent to a@b.com", res)
	require.Len(t, m.sent, 1)
	assert.True(t, m.sent[0].HTML)
	assert.Equal(t, "hi", m.sent[0].Subject)
}

func TestEmailHandler_Errors(t *testing.T) {
	_, err := EmailHandler(&fakeMailer{}).Execute(context.Background(), jobWith(models.TypeEmail, map[string]any{"subject": "x"}))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	_, err = EmailHandler(&fakeMailer{err: errors.New("smtp down")}).Execute(context.Background(), jobWith(models.TypeEmail, map[string]any{"to": "a@b.com"}))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "smtp down")
}

func TestNotificationHandler_FallsBackToCreator(t *testing.T) {
	n := &fakeNotifier{}
	job := jobWith(models.TypeNotification, map[string]any{"message": "hello"})
	creator := int64(7)
	job.CreatedBy = &creator

	res, err := NotificationHandler(n).Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "Notification sent to user 7", res)
	require.Len(t, n.sent, 1)
	assert.Equal(t, "info", n.sent[0].Type)
	assert.Equal(t, []string{"email"}, n.sent[0].Channels)

	_, err = NotificationHandler(n).Execute(context.Background(), jobWith(models.TypeNotification, nil))
	assert.True(t, IsPermanent(err))
}

func TestDataProcessingHandler(t *testing.T) {
	h := DataProcessingHandler()

	res, err := h.Execute(context.Background(), jobWith(models.TypeDataProcessing, map[string]any{"data_source": "orders"}))
	require.NoError(t, err)
	assert.Equal(t, "Processed 80 records from orders", res)

	res, err = h.Execute(context.Background(), jobWith(models.TypeDataProcessing, map[string]any{
		"data_source": "orders",
		"records":     []any{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	}))
	require.NoError(t, err)
	assert.Equal(t, "Processed 8 records from orders", res)

	res, err = h.Execute(context.Background(), jobWith(models.TypeDataProcessing, map[string]any{
		"data_source": "events",
		"parameters":  map[string]any{"count": 50},
	}))
	require.NoError(t, err)
	assert.Equal(t, "Processed 40 records from events", res)

	_, err = h.Execute(context.Background(), jobWith(models.TypeDataProcessing, map[string]any{}))
	assert.True(t, IsPermanent(err))
}

func TestDataProcessingHandler_CountOutOfRange(t *testing.T) {
	h := DataProcessingHandler()
	for _, count := range []any{-1, 1e30, 2.5, "many", float64(maxRecordCount) + 1} {
		_, err := h.Execute(context.Background(), jobWith(models.TypeDataProcessing, map[string]any{
			"data_source": "events",
			"parameters":  map[string]any{"count": count},
		}))
		require.Error(t, err, "count %v", count)
		assert.True(t, IsPermanent(err), "count %v", count)
	}

	res, err := h.Execute(context.Background(), jobWith(models.TypeDataProcessing, map[string]any{
		"data_source": "events",
		"parameters":  map[string]any{"count": maxRecordCount},
	}))
	require.NoError(t, err)
	assert.Equal(t, "Processed 800000000 records from events", res)
}

func TestDecodePayload_MalformedIsPermanent(t *testing.T) {
	_, err := EmailHandler(&fakeMailer{}).Execute(context.Background(), jobWith(models.TypeEmail, map[string]any{"to_email": 12}))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestCleanupHandler(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st, "custom")
	_, err := st.UpdateStatus(ctx, job.JobID, models.StatusUpdate{Status: models.StatusCancelled})
	require.NoError(t, err)
	require.NoError(t, st.DB().Table("background_jobs").Where("job_id = ?", job.JobID).
		Update("created_at", time.Now().AddDate(0, 0, -40).UTC()).Error)
	fresh := createJob(t, st, "custom")

	h := CleanupHandler(st)

	res, err := h.Execute(ctx, jobWith(models.TypeCleanup, map[string]any{"cleanup_type": "jobs", "dry_run": true}))
	require.NoError(t, err)
	assert.Equal(t, "Cleanup dry run completed: jobs", res)
	_, err = st.Get(ctx, job.JobID)
	require.NoError(t, err)

	res, err = h.Execute(ctx, jobWith(models.TypeCleanup, map[string]any{"cleanup_type": "jobs", "older_than_days": 30}))
	require.NoError(t, err)
	assert.Equal(t, "Cleanup completed: jobs (1 records removed)", res)
	_, err = st.Get(ctx, job.JobID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Get(ctx, fresh.JobID)
	assert.NoError(t, err)
}

func TestCleanupHandler_Validation(t *testing.T) {
	h := CleanupHandler(newTestStore(t))
	for name, payload := range map[string]map[string]any{
		"days too small": {"older_than_days": 0},
		"days too large": {"older_than_days": 366},
		"unknown type":   {"cleanup_type": "caches"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.Execute(context.Background(), jobWith(models.TypeCleanup, payload))
			require.Error(t, err)
			assert.True(t, IsPermanent(err))
		})
	}
}

func TestReportHandler(t *testing.T) {
	st := newTestStore(t)
	createJob(t, st, models.TypeEmail)
	createJob(t, st, models.TypeEmail)
	createJob(t, st, models.TypeCleanup)

	dir := t.TempDir()
	h := ReportHandler(st, &Artifacts{Local: &LocalUploader{BaseDir: dir}})

	res, err := h.Execute(context.Background(), jobWith(models.TypeReportGeneration, map[string]any{"output_key": "r/stats.json"}))
	require.NoError(t, err)
	path := filepath.Join(dir, "r", "stats.json")
	assert.Equal(t, "Report generated: "+path, res)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded struct {
		Total    int64            `json:"total_jobs"`
		ByType   map[string]int64 `json:"type_counts"`
		ByStatus map[string]int64 `json:"status_counts"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.EqualValues(t, 3, decoded.Total)
	assert.EqualValues(t, 2, decoded.ByType["send_email"])
	assert.EqualValues(t, 3, decoded.ByStatus["pending"])

	_, err = h.Execute(context.Background(), jobWith(models.TypeReportGeneration, map[string]any{"format": "csv"}))
	require.NoError(t, err)
	f, err := os.Open(filepath.Join(dir, "reports", "job-1.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"dimension", "key", "count"}, rows[0])
	assert.Equal(t, []string{"total", "all", "3"}, rows[1])
	assert.Contains(t, rows, []string{"job_type", "cleanup", "1"})

	_, err = h.Execute(context.Background(), jobWith(models.TypeReportGeneration, map[string]any{"format": "xml"}))
	assert.True(t, IsPermanent(err))
}

func TestArtifacts_Pick(t *testing.T) {
	a := &Artifacts{Local: &LocalUploader{BaseDir: t.TempDir()}}

	u, err := a.Pick("")
	require.NoError(t, err)
	assert.Same(t, a.Local, u)

	_, err = a.Pick("s3")
	assert.True(t, IsPermanent(err))
	_, err = a.Pick("ftp")
	assert.True(t, IsPermanent(err))
}

func TestLocalUploader_KeyCannotEscape(t *testing.T) {
	dir := t.TempDir()
	path, err := (&LocalUploader{BaseDir: dir}).Upload(context.Background(), "../../etc/passwd", []byte("x"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "etc", "passwd"), path)
}

func servePNG(t *testing.T, w, h int) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(rw, r)
			return
		}
		rw.Header().Set("Content-Type", "image/png")
		_, _ = rw.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func decodeFile(t *testing.T, path string) image.Image {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestFileHandler_ResizeGrayscale(t *testing.T) {
	srv := servePNG(t, 10, 10)
	dir := t.TempDir()
	h := NewFileHandler(config.Config{DownloadTimeout: 2 * time.Second}, &Artifacts{Local: &LocalUploader{BaseDir: dir}})

	res, err := h.Execute(context.Background(), jobWith(models.TypeFileProcessing, map[string]any{
		"source_url": srv.URL,
		"operation":  "resize",
		"grayscale":  true,
		"width":      5,
		"output_key": "thumbs/test.png",
	}))
	require.NoError(t, err)
	assert.Contains(t, res, "resize 5x5")

	out := decodeFile(t, filepath.Join(dir, "thumbs", "test.png"))
	assert.Equal(t, 5, out.Bounds().Dx())
	r, g, b, _ := out.At(2, 2).RGBA()
	assert.Equal(t, r, g)
	assert.Equal(t, g, b)
}

func TestFileHandler_Thumbnail(t *testing.T) {
	srv := servePNG(t, 20, 10)
	dir := t.TempDir()
	h := NewFileHandler(config.Config{ImageWidth: 8}, &Artifacts{Local: &LocalUploader{BaseDir: dir}})

	_, err := h.Execute(context.Background(), jobWith(models.TypeFileProcessing, map[string]any{
		"source_url": srv.URL,
		"operation":  "thumbnail",
	}))
	require.NoError(t, err)

	out := decodeFile(t, filepath.Join(dir, "files", "job-1.png"))
	assert.Equal(t, 8, out.Bounds().Dx())
	assert.Equal(t, 4, out.Bounds().Dy())
}

func TestFileHandler_Errors(t *testing.T) {
	srv := servePNG(t, 4, 4)
	h := NewFileHandler(config.Config{DownloadMaxBytes: 16}, &Artifacts{Local: &LocalUploader{BaseDir: t.TempDir()}})

	cases := map[string]map[string]any{
		"missing url":     {},
		"bad operation":   {"source_url": srv.URL, "operation": "rotate"},
		"not found":       {"source_url": srv.URL + "/missing"},
		"too large":       {"source_url": srv.URL},
		"negative width":  {"source_url": srv.URL, "width": -1},
		"unknown storage": {"source_url": srv.URL, "destination": "ftp"},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.Execute(context.Background(), jobWith(models.TypeFileProcessing, payload))
			require.Error(t, err)
			assert.True(t, IsPermanent(err), err.Error())
		})
	}
}

// pngDeclaring returns a small PNG whose header claims width x height.
func pngDeclaring(t *testing.T, width, height uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	data := buf.Bytes()
	// IHDR: length at 8, type at 12, width at 16, height at 20, crc at 29.
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestFileHandler_RejectsOversizedImages(t *testing.T) {
	small := servePNG(t, 4, 4)
	tall := servePNG(t, 1, 64)
	huge := pngDeclaring(t, 100_000, 100_000)
	declared := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "image/png")
		_, _ = rw.Write(huge)
	}))
	t.Cleanup(declared.Close)
	h := NewFileHandler(config.Config{}, &Artifacts{Local: &LocalUploader{BaseDir: t.TempDir()}})

	cases := map[string]map[string]any{
		"requested width":  {"source_url": small.URL, "width": 100_000, "height": 100_000},
		"requested height": {"source_url": small.URL, "height": maxOutputDimension + 1},
		"source pixels":    {"source_url": declared.URL},
		"derived height":   {"source_url": tall.URL, "operation": "thumbnail", "width": 4096},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.Execute(context.Background(), jobWith(models.TypeFileProcessing, payload))
			require.Error(t, err)
			assert.True(t, IsPermanent(err), err.Error())
		})
	}
}

func TestFitDimensions(t *testing.T) {
	w, hgt, err := fitDimensions(200, 100, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 50, w)
	assert.Equal(t, 25, hgt)

	w, hgt, err = fitDimensions(200, 100, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 20, w)
	assert.Equal(t, 10, hgt)

	_, _, err = fitDimensions(1, 1000, 100, 0)
	assert.True(t, IsPermanent(err))
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg, Builtins{
		Store:     newTestStore(t),
		Mailer:    &fakeMailer{},
		Notifier:  &fakeNotifier{},
		Artifacts: &Artifacts{Local: &LocalUploader{BaseDir: t.TempDir()}},
	})
	assert.Equal(t, []models.JobType{
		models.TypeCleanup,
		models.TypeDataProcessing,
		models.TypeFileProcessing,
		models.TypeNotification,
		models.TypeReportGeneration,
		models.TypeEmail,
	}, reg.Types())
}
