package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"background-jobs/internal/config"
	"background-jobs/internal/models"
)

const (
	// maxOutputDimension bounds each side of a produced image.
	maxOutputDimension = 4096
	// maxSourcePixels bounds the decoded size of a downloaded image.
	maxSourcePixels = 50_000_000
)

// FileHandler executes file_processing jobs: it downloads an image, resizes
// or thumbnails it and uploads the output.
type FileHandler struct {
	httpClient    *http.Client
	artifacts     *Artifacts
	maxBytes      int64
	defaultWidth  int
	defaultHeight int
}

type filePayload struct {
	SourceURL   string `json:"source_url"`
	Operation   string `json:"operation"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

func NewFileHandler(cfg config.Config, artifacts *Artifacts) *FileHandler {
	timeout := cfg.DownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.DownloadMaxBytes
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &FileHandler{
		httpClient:    &http.Client{Timeout: timeout},
		artifacts:     artifacts,
		maxBytes:      maxBytes,
		defaultWidth:  cfg.ImageWidth,
		defaultHeight: cfg.ImageHeight,
	}
}

func (h *FileHandler) Execute(ctx context.Context, job models.Job) (string, error) {
	p, err := h.decode(job)
	if err != nil {
		return "", err
	}
	uploader, err := h.artifacts.Pick(p.Destination)
	if err != nil {
		return "", err
	}

	data, contentType, err := h.download(ctx, p.SourceURL)
	if err != nil {
		return "", err
	}
	header, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", Permanent(fmt.Errorf("decode image: %w", err))
	}
	if header.Width <= 0 || header.Height <= 0 {
		return "", Permanent(errors.New("invalid image dimensions"))
	}
	if int64(header.Width)*int64(header.Height) > maxSourcePixels {
		return "", Permanent(fmt.Errorf("source image %dx%d exceeds %d pixels", header.Width, header.Height, maxSourcePixels))
	}
	width, height := p.Width, p.Height
	if p.Operation == "thumbnail" {
		height = 0
	}
	width, height, err = fitDimensions(header.Width, header.Height, width, height)
	if err != nil {
		return "", err
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", Permanent(fmt.Errorf("decode image: %w", err))
	}

	var out image.Image
	switch p.Operation {
	case "resize":
		out = src
		if p.Grayscale {
			out = imaging.Grayscale(out)
		}
		out = imaging.Resize(out, width, height, imaging.Lanczos)
	case "thumbnail":
		out = thumbnail(src, width, height)
	}

	outputFormat := chooseFormat(p.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, out, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	key := p.OutputKey
	if key == "" {
		key = fmt.Sprintf("files/%s.%s", job.JobID, formatExtension(outputFormat))
	}
	location, err := uploader.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	b := out.Bounds()
	return fmt.Sprintf("File processed: %s %dx%d -> %s", p.Operation, b.Dx(), b.Dy(), location), nil
}

func (h *FileHandler) decode(job models.Job) (filePayload, error) {
	var p filePayload
	if err := decodePayload(job, &p); err != nil {
		return p, err
	}
	if p.SourceURL == "" {
		return p, Permanent(errors.New("source_url is required"))
	}
	if p.Operation == "" {
		p.Operation = "resize"
	}
	if p.Operation != "resize" && p.Operation != "thumbnail" {
		return p, Permanent(fmt.Errorf("unsupported operation %q", p.Operation))
	}
	if p.Width < 0 || p.Height < 0 {
		return p, Permanent(errors.New("width and height must not be negative"))
	}
	if p.Width > maxOutputDimension || p.Height > maxOutputDimension {
		return p, Permanent(fmt.Errorf("width and height must be at most %d", maxOutputDimension))
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width, p.Height = h.defaultWidth, h.defaultHeight
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width = 320
	}
	if p.Operation == "thumbnail" && p.Width == 0 {
		p.Width = 320
	}
	return p, nil
}

func (h *FileHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", Permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, "", fmt.Errorf("download file: status %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, "", Permanent(fmt.Errorf("download file: status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read file: %w", err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, "", Permanent(fmt.Errorf("file too large (>%d bytes)", h.maxBytes))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// fitDimensions fills a zero width or height from the source aspect ratio and
// rejects outputs larger than maxOutputDimension on either side.
func fitDimensions(srcW, srcH, width, height int) (int, int, error) {
	switch {
	case width == 0:
		width = int(float64(srcW) * float64(height) / float64(srcH))
	case height == 0:
		height = int(float64(srcH) * float64(width) / float64(srcW))
	}
	width, height = max(width, 1), max(height, 1)
	if width > maxOutputDimension || height > maxOutputDimension {
		return 0, 0, Permanent(fmt.Errorf("output %dx%d exceeds %d pixels per side", width, height, maxOutputDimension))
	}
	return width, height, nil
}

// thumbnail scales src into a width x height canvas.
func thumbnail(src image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	case ".gif":
		return imaging.GIF
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
