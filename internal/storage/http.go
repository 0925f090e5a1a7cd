package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/docmill/docmill/internal/faults"
)

const (
	// DefaultRequestTimeout bounds a single storage request.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultRequestsPerSecond paces calls to the storage service.
	DefaultRequestsPerSecond = 10
)

// HTTPStore is a BlobStore backed by a remote blob service. Requests are
// paced with a client-side rate limiter so a large upload batch cannot
// hammer the service.
type HTTPStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewHTTPStore creates a store client for the given base URL.
func NewHTTPStore(logger *logrus.Logger, baseURL, apiKey string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: DefaultRequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), 1),
		logger:  logger,
	}
}

func (s *HTTPStore) Upload(ctx context.Context, path string, data []byte) error {
	resp, err := s.do(ctx, http.MethodPut, s.blobURL(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	defer s.discard(resp)
	return nil
}

func (s *HTTPStore) Download(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.do(ctx, http.MethodGet, s.blobURL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	defer s.discard(resp)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download %s: failed to read body: %w", path, err)
	}
	return data, nil
}

func (s *HTTPStore) List(ctx context.Context, prefix string) ([]string, error) {
	listURL := fmt.Sprintf("%s/blobs?prefix=%s", s.baseURL, url.QueryEscape(prefix))
	resp, err := s.do(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer s.discard(resp)

	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, fmt.Errorf("list %s: failed to decode response: %w", prefix, err)
	}
	return names, nil
}

func (s *HTTPStore) Remove(ctx context.Context, paths []string) error {
	var errs []string
	for _, path := range paths {
		resp, err := s.do(ctx, http.MethodDelete, s.blobURL(path), nil)
		if err != nil {
			s.logger.WithError(err).WithField("path", path).Warn("Failed to remove remote blob")
			errs = append(errs, err.Error())
			continue
		}
		s.discard(resp)
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to remove %d blobs: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

func (s *HTTPStore) blobURL(path string) string {
	escaped := url.PathEscape(path)
	// Keep path separators readable in the request line.
	escaped = strings.ReplaceAll(escaped, "%2F", "/")
	return fmt.Sprintf("%s/blobs/%s", s.baseURL, escaped)
}

func (s *HTTPStore) do(ctx context.Context, method, requestURL string, body io.Reader) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.discard(resp)
		return nil, &faults.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, URL: requestURL}
	}
	return resp, nil
}

func (s *HTTPStore) discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
