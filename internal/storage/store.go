// Package storage adapts Supabase Storage as the byte store for task inputs
// and outputs. The store is treated as reliable; failures surface as
// errs.ErrStorage and are retryable.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/mediaforge/backend/internal/errs"
)

// ObjectStore is the byte-store contract used by the task engine.
type ObjectStore interface {
	// Put writes bytes at key and returns a provider-fetchable URL.
	Put(ctx context.Context, key string, data []byte, mime string) (string, error)
	// Copy duplicates an object within the store and returns the new URL.
	Copy(ctx context.Context, srcKey, dstKey string) (string, error)
	// Ingest downloads an external URL and stores it at key.
	Ingest(ctx context.Context, srcURL, key, mime string) (string, error)
	// Delete removes objects. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// SignedURL returns a time-limited URL for a key.
	SignedURL(ctx context.Context, key string, expiresIn time.Duration) (string, error)
}

// SupabaseStore implements ObjectStore over a Supabase Storage bucket.
type SupabaseStore struct {
	client *supabase.Client
	bucket string
	http   *http.Client
}

// NewSupabaseStore connects to Supabase Storage.
func NewSupabaseStore(url, serviceKey, bucket string) (*SupabaseStore, error) {
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStore{
		client: client,
		bucket: bucket,
		http:   &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (s *SupabaseStore) Put(ctx context.Context, key string, data []byte, mime string) (string, error) {
	opts := fileOptions(mime)
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data), opts...); err != nil {
		return "", fmt.Errorf("upload %s: %v: %w", key, err, errs.ErrStorage)
	}
	return s.publicURL(key), nil
}

func (s *SupabaseStore) Copy(ctx context.Context, srcKey, dstKey string) (string, error) {
	data, err := s.client.Storage.DownloadFile(s.bucket, srcKey)
	if err != nil {
		return "", fmt.Errorf("download %s: %v: %w", srcKey, err, errs.ErrStorage)
	}
	if _, err := s.client.Storage.UploadFile(s.bucket, dstKey, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("upload %s: %v: %w", dstKey, err, errs.ErrStorage)
	}
	return s.publicURL(dstKey), nil
}

func (s *SupabaseStore) Ingest(ctx context.Context, srcURL, key, mime string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return "", fmt.Errorf("ingest request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %v: %w", srcURL, err, errs.ErrStorage)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d: %w", srcURL, resp.StatusCode, errs.ErrStorage)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %v: %w", srcURL, err, errs.ErrStorage)
	}
	return s.Put(ctx, key, data, mime)
}

func (s *SupabaseStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.client.Storage.RemoveFile(s.bucket, keys); err != nil {
		return fmt.Errorf("remove %v: %v: %w", keys, err, errs.ErrStorage)
	}
	return nil
}

func (s *SupabaseStore) SignedURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	resp, err := s.client.Storage.CreateSignedUrl(s.bucket, key, int(expiresIn.Seconds()))
	if err != nil {
		return "", fmt.Errorf("sign %s: %v: %w", key, err, errs.ErrStorage)
	}
	return resp.SignedURL, nil
}

func (s *SupabaseStore) publicURL(key string) string {
	return s.client.Storage.GetPublicUrl(s.bucket, key).SignedURL
}
