package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kubilitics/anomaly-hunter/internal/models"
	"github.com/kubilitics/anomaly-hunter/pkg/contracts"
)

const archiveVersion = "1.0"

type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ArchiveConfig configures the S3-compatible verdict archive.
type ArchiveConfig struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Secure          bool
	// Prefix is prepended to every object name.
	Prefix string
}

// ArchiveSink stores the full verdict of every run as one JSON object.
type ArchiveSink struct {
	cfg    ArchiveConfig
	client objectPutter
}

// NewArchiveSink connects to the object store and checks the bucket.
func NewArchiveSink(ctx context.Context, cfg ArchiveConfig) (*ArchiveSink, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("archive sink: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	found, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("access bucket %s: %w", cfg.Bucket, err)
	}
	if !found {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &ArchiveSink{cfg: cfg, client: client}, nil
}

func (a *ArchiveSink) Name() string { return "archive" }

// ObjectName returns the archive key of a run.
func (a *ArchiveSink) ObjectName(ev contracts.DetectionEvent) string {
	ts := ev.Timestamp.UTC()
	return fmt.Sprintf("%syear=%04d/month=%02d/day=%02d/%s.json",
		a.cfg.Prefix, ts.Year(), ts.Month(), ts.Day(), ev.RunID)
}

// Publish uploads the verdict with its event header.
func (a *ArchiveSink) Publish(ctx context.Context, v *models.Verdict, ev contracts.DetectionEvent) error {
	object := map[string]interface{}{
		"version": archiveVersion,
		"event":   ev,
		"verdict": v,
	}
	b := new(bytes.Buffer)
	if err := json.NewEncoder(b).Encode(object); err != nil {
		return fmt.Errorf("encode archive object: %w", err)
	}
	_, err := a.client.PutObject(ctx, a.cfg.Bucket, a.ObjectName(ev), b, int64(b.Len()),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("write to object store: %w", err)
	}
	return nil
}
