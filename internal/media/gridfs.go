package media

import (
	"context"
	"io"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/minisocial/chatsync/internal/chaterr"
)

// urlScheme prefixes GridFS references so they are distinguishable from
// plain http(s) urls written by other clients.
const urlScheme = "gridfs://"

// GridFS stores attachments in the remote database's GridFS bucket, next to
// the documents that reference them.
type GridFS struct {
	bucket *gridfs.Bucket
}

func NewGridFS(db *mongo.Database) (*GridFS, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName("media"))
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Storage, "create media bucket", err)
	}
	return &GridFS{bucket: bucket}, nil
}

func (g *GridFS) Upload(ctx context.Context, filename, mimeType, uploaderID string, content io.Reader) (*Upload, error) {
	metadata := bson.M{
		"mime_type":   mimeType,
		"uploaded_by": uploaderID,
		"uploaded_at": time.Now(),
	}
	stream, err := g.bucket.OpenUploadStream(filename, options.GridFSUpload().SetMetadata(metadata))
	if err != nil {
		return nil, chaterr.Wrap(chaterr.Storage, "open upload stream", err)
	}
	size, err := io.Copy(stream, content)
	if err != nil {
		_ = stream.Close()
		return nil, chaterr.Wrap(chaterr.Storage, "write media", err)
	}
	if err := stream.Close(); err != nil {
		return nil, chaterr.Wrap(chaterr.Storage, "finish upload", err)
	}

	id := stream.FileID.(primitive.ObjectID).Hex()
	return &Upload{
		URL:      urlScheme + id,
		Filename: filename,
		MimeType: mimeType,
		Size:     size,
	}, nil
}

func (g *GridFS) Download(ctx context.Context, url string) (io.ReadCloser, *Upload, error) {
	id, err := parseURL(url)
	if err != nil {
		return nil, nil, err
	}
	stream, err := g.bucket.OpenDownloadStream(id)
	if err != nil {
		return nil, nil, chaterr.Wrap(chaterr.NotFound, "open download stream", err)
	}

	file := stream.GetFile()
	var metadata bson.M
	if file.Metadata != nil {
		_ = bson.Unmarshal(file.Metadata, &metadata)
	}
	mime, _ := metadata["mime_type"].(string)
	return stream, &Upload{
		URL:      url,
		Filename: file.Name,
		MimeType: mime,
		Size:     file.Length,
	}, nil
}

func (g *GridFS) Delete(ctx context.Context, url string) error {
	id, err := parseURL(url)
	if err != nil {
		return err
	}
	if err := g.bucket.Delete(id); err != nil {
		return chaterr.Wrap(chaterr.Storage, "delete media", err)
	}
	return nil
}

func parseURL(url string) (primitive.ObjectID, error) {
	hex, ok := strings.CutPrefix(url, urlScheme)
	if !ok {
		return primitive.NilObjectID, chaterr.New(chaterr.Unsupported, "not a media reference: "+url)
	}
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, chaterr.Wrap(chaterr.Unsupported, "malformed media reference", err)
	}
	return id, nil
}
