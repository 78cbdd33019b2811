package mongodb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"intake_server/core/port/out"
)

const (
	bucketResumes = "resumes"
	keyPrefix     = "gridfs:"
	ioTimeout     = 30 * time.Second
)

var ErrInvalidKey = errors.New("not a gridfs storage key")

// ResumeStorage implements out.FileStorage on GridFS.
type ResumeStorage struct {
	bucket *gridfs.Bucket
}

func NewResumeStorage(db *mongo.Database) (*ResumeStorage, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(bucketResumes))
	if err != nil {
		return nil, fmt.Errorf("failed to open gridfs bucket: %w", err)
	}
	return &ResumeStorage{bucket: bucket}, nil
}

// Upload stores data and returns a "gridfs:<objectid>" key.
func (s *ResumeStorage) Upload(ctx context.Context, data []byte, filename, contentType string, companyID uuid.UUID) (string, error) {
	if err := s.bucket.SetWriteDeadline(deadline(ctx)); err != nil {
		return "", err
	}

	opts := options.GridFSUpload().SetMetadata(bson.D{
		{Key: "company_id", Value: companyID.String()},
		{Key: "content_type", Value: contentType},
		{Key: "uploaded_at", Value: time.Now().UTC()},
	})
	id, err := s.bucket.UploadFromStream(filename, bytes.NewReader(data), opts)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", filename, err)
	}
	return keyPrefix + id.Hex(), nil
}

func (s *ResumeStorage) Download(ctx context.Context, key string) ([]byte, error) {
	id, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	if err := s.bucket.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := s.bucket.DownloadToStream(id, &buf); err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

func parseKey(key string) (primitive.ObjectID, error) {
	if !strings.HasPrefix(key, keyPrefix) {
		return primitive.NilObjectID, ErrInvalidKey
	}
	id, err := primitive.ObjectIDFromHex(strings.TrimPrefix(key, keyPrefix))
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return id, nil
}

// deadline maps ctx onto the bucket's deadline API.
func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(ioTimeout)
}

var _ out.FileStorage = (*ResumeStorage)(nil)
