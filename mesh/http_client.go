package mesh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ObjectFetcher loads object snapshots from scanner or asset APIs
// (objects[].apiUrl). Server errors and network failures are retried with
// exponential backoff; client errors, oversized bodies and undecodable
// snapshots fail at once.
type ObjectFetcher struct {
	Client     *http.Client
	MaxRetries int           // total attempts, at least 1
	Backoff    time.Duration // delay before the second attempt, doubled after each
	MaxBytes   int64         // largest accepted body
}

// NewObjectFetcher returns a fetcher with a 30s timeout, 3 attempts and
// MaxObjectBytes as the body limit
func NewObjectFetcher() *ObjectFetcher {
	return &ObjectFetcher{
		Client:     &http.Client{Timeout: 30 * time.Second},
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
		MaxBytes:   MaxObjectBytes,
	}
}

// permanentError marks a fetch failure that another attempt cannot fix
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// FetchObject fetches the snapshot of a configured object and resolves it
// into world space. The result is named and colored from oc, whatever name
// the API reports.
func (f *ObjectFetcher) FetchObject(ctx context.Context, oc ObjectConfig, landmarkPrefix string) (*Object, error) {
	if oc.ApiURL == nil || *oc.ApiURL == "" {
		return nil, fmt.Errorf("fetch %s: no apiUrl configured", oc.Name)
	}
	snapshot, err := f.Fetch(ctx, *oc.ApiURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", oc.Name, err)
	}
	snapshot.Name = oc.Name
	obj, err := snapshot.Resolve(landmarkPrefix)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", oc.Name, err)
	}
	if oc.Color != "" {
		obj.Color = oc.Color
	}
	return obj, nil
}

// Fetch downloads and decodes one object snapshot (plain, zlib or gzip JSON)
func (f *ObjectFetcher) Fetch(ctx context.Context, url string) (*ObjectFile, error) {
	if url == "" {
		return nil, fmt.Errorf("object URL is empty")
	}
	attempts := max(f.MaxRetries, 1)

	var lastErr error
	backoff := f.Backoff
	for attempt := range attempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		snapshot, err := f.fetchOnce(ctx, url)
		if err == nil {
			return snapshot, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return nil, perm.err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

func (f *ObjectFetcher) fetchOnce(ctx context.Context, url string) (*ObjectFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	default:
		return nil, &permanentError{fmt.Errorf("GET %s: status %d", url, resp.StatusCode)}
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = MaxObjectBytes
	}
	if resp.ContentLength > limit {
		return nil, &permanentError{fmt.Errorf("GET %s: object payload exceeds %d bytes", url, limit)}
	}
	body, err := readLimited(resp.Body, limit)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("GET %s: %w", url, err)}
	}

	snapshot, err := DecodeObjectPayload(body)
	if err != nil {
		return nil, &permanentError{err}
	}
	return snapshot, nil
}
