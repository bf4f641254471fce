package media

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/minisocial/chatsync/internal/chaterr"
)

// Memory is an in-process Uploader for tests. URLs use the same
// gridfs:// scheme as the production bucket so message documents are
// indistinguishable either way.
type Memory struct {
	mu    sync.Mutex
	files map[string]memoryFile
}

type memoryFile struct {
	info Upload
	data []byte
}

func NewMemory() *Memory {
	return &Memory{files: make(map[string]memoryFile)}
}

func (m *Memory) Upload(ctx context.Context, filename, mimeType, uploaderID string, content io.Reader) (*Upload, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Storage, "read media", err)
	}
	url := urlScheme + primitive.NewObjectID().Hex()
	info := Upload{URL: url, Filename: filename, MimeType: mimeType, Size: int64(len(data))}

	m.mu.Lock()
	m.files[url] = memoryFile{info: info, data: data}
	m.mu.Unlock()
	return &info, nil
}

func (m *Memory) Download(ctx context.Context, url string) (io.ReadCloser, *Upload, error) {
	if !strings.HasPrefix(url, urlScheme) {
		return nil, nil, chaterr.New(chaterr.Unsupported, "not a media reference: "+url)
	}
	m.mu.Lock()
	f, ok := m.files[url]
	m.mu.Unlock()
	if !ok {
		return nil, nil, chaterr.New(chaterr.NotFound, "media not found: "+url)
	}
	info := f.info
	return io.NopCloser(bytes.NewReader(f.data)), &info, nil
}

func (m *Memory) Delete(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[url]; !ok {
		return chaterr.New(chaterr.NotFound, "media not found: "+url)
	}
	delete(m.files, url)
	return nil
}
