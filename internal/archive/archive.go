// Package archive persists transcripts of closed threads to object storage.
// The transcript is a byproduct: losing one never blocks resolution.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"quorum/api/internal/store"
)

// Transcript is the stored snapshot of a thread at close time.
type Transcript struct {
	Thread       store.Thread    `json:"thread"`
	Messages     []store.Message `json:"messages"`
	Participants []string        `json:"participants"`
	ArchivedAt   time.Time       `json:"archivedAt"`
}

// Service writes thread transcripts to a bucket. A nil *Service is a valid
// no-op, used when object storage is not configured.
type Service struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists. It returns
// nil (no archiver) when endpoint is empty or the connection fails.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) *Service {
	if endpoint == "" {
		return nil
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		log.Printf("archive: connect %s: %v", endpoint, err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		log.Printf("archive: check bucket %s: %v", bucket, err)
		return nil
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			log.Printf("archive: create bucket %s: %v", bucket, err)
			return nil
		}
	}

	return &Service{client: client, bucket: bucket}
}

// ArchiveTranscript uploads the transcript as JSON under threads/<id>.json.
// Safe to call on a nil receiver.
func (s *Service) ArchiveTranscript(ctx context.Context, t Transcript) error {
	if s == nil {
		return nil
	}

	t.ArchivedAt = time.Now().UTC()
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	key := fmt.Sprintf("threads/%s.json", t.Thread.ID)
	_, err = s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload transcript %s: %w", key, err)
	}
	return nil
}

// FetchTranscript reads a previously archived transcript back. Returns
// found=false on a nil receiver or a missing object.
func (s *Service) FetchTranscript(ctx context.Context, threadID string) (Transcript, bool, error) {
	var t Transcript
	if s == nil {
		return t, false, nil
	}

	key := fmt.Sprintf("threads/%s.json", threadID)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return t, false, fmt.Errorf("fetch transcript %s: %w", key, err)
	}
	defer obj.Close()

	if err := json.NewDecoder(obj).Decode(&t); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return t, false, nil
		}
		return t, false, fmt.Errorf("decode transcript %s: %w", key, err)
	}
	return t, true, nil
}
