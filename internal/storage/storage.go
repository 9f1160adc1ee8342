// Package storage keeps uploaded inputs and generated results in an S3
// compatible object store.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store puts and fetches objects by key.
type Store interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// URL returns a time-limited link a client can download key from.
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// NewKey builds a date-partitioned key such as results/2026/3/14/<uuid>.png.
func NewKey(prefix, ext string) string {
	d := time.Now().UTC()
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s/%d/%d/%d/%s%s", prefix, d.Year(), d.Month(), d.Day(), uuid.New(), ext)
}

// ExtForContentType picks a file extension for common media types.
func ExtForContentType(ct string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	default:
		return ""
	}
}
