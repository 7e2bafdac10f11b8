package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// RawArchiver stores raw upstream pages for audit and replay.
type RawArchiver interface {
	Archive(ctx context.Context, objectName string, payload any) error
}

// NoopArchiver drops everything. Used when no bucket is configured.
type NoopArchiver struct{}

func (NoopArchiver) Archive(context.Context, string, any) error { return nil }

// GCSArchiver writes JSON objects into one bucket.
type GCSArchiver struct {
	client *storage.Client
	bucket string
}

// NewRawArchiverFromEnv returns a GCS archiver when COMPLIANCE_ARCHIVE_BUCKET is set
// and a no-op archiver otherwise.
func NewRawArchiverFromEnv(ctx context.Context) (RawArchiver, error) {
	bucket := strings.TrimSpace(os.Getenv("COMPLIANCE_ARCHIVE_BUCKET"))
	if bucket == "" {
		return NoopArchiver{}, nil
	}
	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcs bucket %q not found or not accessible: %v", bucket, err)
	}
	return &GCSArchiver{client: client, bucket: bucket}, nil
}

func (a *GCSArchiver) Archive(ctx context.Context, objectName string, payload any) error {
	if a == nil || a.client == nil {
		return errors.New("gcs archiver not initialized")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	wc := a.client.Bucket(a.bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = "application/json"
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}

func (a *GCSArchiver) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

// ArchiveObjectName builds <org>/<source>/<property>/<timestamp>-p<page>.json.
func ArchiveObjectName(orgId, source string, propertyId uint, at time.Time, page int) string {
	return fmt.Sprintf("%s/%s/%d/%s-p%d.json", orgId, source, propertyId, at.UTC().Format("20060102T150405Z"), page)
}
