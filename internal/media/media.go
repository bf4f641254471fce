// Package media stores message attachments. Uploads happen before the
// message document is written so a message never references bytes that are
// not durably stored yet.
package media

import (
	"context"
	"io"
)

// Upload describes a stored attachment.
type Upload struct {
	// URL is the reference embedded in the message's mediaUrls list.
	URL      string
	Filename string
	MimeType string
	Size     int64
}

// Uploader stores attachment bytes and returns a stable reference.
type Uploader interface {
	Upload(ctx context.Context, filename, mimeType string, uploaderID string, content io.Reader) (*Upload, error)
	Download(ctx context.Context, url string) (io.ReadCloser, *Upload, error)
	Delete(ctx context.Context, url string) error
}
