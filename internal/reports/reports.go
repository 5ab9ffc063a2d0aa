// Package reports persists batch summaries and gap analyses as JSON
// documents, either under a local directory or in an S3-compatible bucket.
package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Rajchodisetti/quote-ingest/internal/observ"
)

// ErrNotFound is returned by Read when no report exists under a key
var ErrNotFound = errors.New("report not found")

// Sink stores report documents under slash-separated keys
type Sink interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
}

// WriteJSON encodes v with indentation and stores it, returning its location
func WriteJSON(ctx context.Context, sink Sink, key string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report %s: %w", key, err)
	}
	loc, err := sink.Write(ctx, key, data)
	if err != nil {
		observ.Error("report_write_failed", err, map[string]any{"key": key})
		return "", err
	}
	observ.Log("report_written", map[string]any{"key": key, "location": loc, "bytes": len(data)})
	return loc, nil
}

// ReadJSON loads a report written by WriteJSON into v
func ReadJSON(ctx context.Context, sink Sink, key string, v any) error {
	data, err := sink.Read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse report %s: %w", key, err)
	}
	return nil
}

// BatchKey is where a batch summary is kept
func BatchKey(batchID string) string {
	return "batches/" + safeKey(batchID) + ".json"
}

// GapKey is where the latest gap analysis of an exchange is kept
func GapKey(exchange string) string {
	return "gaps/" + safeKey(strings.ToUpper(exchange)) + "/latest.json"
}

// GapRunKey keeps one gap analysis per detection run
func GapRunKey(exchange, runID string) string {
	return "gaps/" + safeKey(strings.ToUpper(exchange)) + "/" + safeKey(runID) + ".json"
}

func safeKey(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, s)
}

// FileSink writes reports below a directory
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (f *FileSink) path(key string) string {
	return filepath.Join(f.dir, filepath.FromSlash(key))
}

func (f *FileSink) Write(ctx context.Context, key string, data []byte) (string, error) {
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename report: %w", err)
	}
	return path, nil
}

func (f *FileSink) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// ObjectConfig addresses an S3-compatible bucket
type ObjectConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	Region       string `yaml:"region"`
	Secure       bool   `yaml:"secure"`
}

// ObjectSink writes reports to a bucket through minio-go
type ObjectSink struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewObjectSink(cfg ObjectConfig) (*ObjectSink, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("object sink requires endpoint and bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			os.Getenv(cfg.AccessKeyEnv),
			os.Getenv(cfg.SecretKeyEnv),
			"",
		),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}
	return &ObjectSink{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (o *ObjectSink) object(key string) string {
	if o.prefix == "" {
		return key
	}
	return o.prefix + "/" + key
}

func (o *ObjectSink) Write(ctx context.Context, key string, data []byte) (string, error) {
	name := o.object(key)
	_, err := o.client.PutObject(ctx, o.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", o.bucket, name, err)
	}
	return "s3://" + o.bucket + "/" + name, nil
}

func (o *ObjectSink) Read(ctx context.Context, key string) ([]byte, error) {
	name := o.object(key)
	obj, err := o.client.GetObject(ctx, o.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", o.bucket, name, err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read
	data, err := io.ReadAll(obj)
	if err != nil {
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) && (minioErr.StatusCode == 404 || minioErr.Code == "NoSuchKey") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s/%s: %w", o.bucket, name, err)
	}
	return data, nil
}
