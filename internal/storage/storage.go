// Package storage fetches source images and persists generated artifacts in
// an S3-compatible object store.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("storage: object not found")

type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ImageStore downloads source images over HTTP and stores generated
// candidates under jobs/<job_id>/<intervention>.png.
type ImageStore struct {
	client     *minio.Client
	httpClient *http.Client
	bucketName string
	region     string
	publicBase string
	initOnce   sync.Once
	initErr    error
}

func New(cfg Config) (*ImageStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("storage endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("storage access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init storage client: %w", err)
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}

	return &ImageStore{
		client:     client,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		bucketName: bucket,
		region:     region,
		publicBase: scheme + "://" + endpoint + "/" + bucket + "/",
	}, nil
}

func (s *ImageStore) ensureBucket(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("store is nil")
	}
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

// Download fetches the source image bytes. URLs under our own bucket are read
// from the object store; anything else goes over HTTP. The pipeline calls
// this once per batch and reuses the bytes across all candidates.
func (s *ImageStore) Download(ctx context.Context, url string) ([]byte, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("image url is required")
	}
	if key, ok := strings.CutPrefix(url, s.publicBase); ok {
		return s.getObject(ctx, key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *ImageStore) getObject(ctx context.Context, key string) ([]byte, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// SaveArtifact stores one generated candidate and returns its public URL.
// The job id keeps artifact paths collision-free across concurrent jobs for
// the same image.
func (s *ImageStore) SaveArtifact(ctx context.Context, jobID, name string, data []byte) (string, error) {
	jobID = strings.TrimSpace(jobID)
	name = strings.TrimSpace(name)
	if jobID == "" {
		return "", fmt.Errorf("job_id is required")
	}
	if name == "" {
		return "", fmt.Errorf("name is required")
	}
	if err := s.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("ensure bucket: %w", err)
	}

	key := artifactKey(jobID, name)
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "image/png",
	})
	if err != nil {
		return "", err
	}
	return s.publicBase + key, nil
}

func artifactKey(jobID, name string) string {
	return "jobs/" + jobID + "/" + strings.TrimLeft(name, "/") + ".png"
}

// DataURL encodes image bytes as an inline data URL so clients can render
// results without a second round-trip fetch.
func DataURL(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}
