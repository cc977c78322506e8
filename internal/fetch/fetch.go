// Package fetch downloads sticker images referenced by chat events.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dayuer/stickerbot/internal/bus"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36"

// DefaultMaxBytes caps a single download.
const DefaultMaxBytes = 16 << 20

var (
	// ErrUnresolvable is returned when an ephemeral handle cannot be turned into bytes.
	ErrUnresolvable = errors.New("ephemeral handle cannot be resolved")
	// ErrEmpty is returned for zero-length downloads.
	ErrEmpty = errors.New("empty download")
)

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Status)
}

// HandleResolver turns an in-session handle into raw bytes.
// Channels that emit ephemeral refs implement it.
type HandleResolver interface {
	Resolve(ctx context.Context, handle string) ([]byte, error)
}

// Fetcher resolves sticker refs to bytes.
type Fetcher struct {
	client   *http.Client
	resolver HandleResolver
	maxBytes int64
}

// New creates a Fetcher. resolver may be nil when the channel only emits URIs.
func New(timeout time.Duration, resolver HandleResolver) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		resolver: resolver,
		maxBytes: DefaultMaxBytes,
	}
}

// Fetch downloads ref.
func (f *Fetcher) Fetch(ctx context.Context, ref bus.Ref) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case ref.URI != "":
		data, err = f.get(ctx, ref.URI)
	case ref.Handle != "":
		if f.resolver == nil {
			return nil, fmt.Errorf("%w: no resolver for %q", ErrUnresolvable, ref.Handle)
		}
		data, err = f.resolver.Resolve(ctx, ref.Handle)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrUnresolvable, err)
		}
	default:
		return nil, fmt.Errorf("empty sticker ref")
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	return data, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: rawURL, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("GET %s: body exceeds %d bytes", rawURL, f.maxBytes)
	}
	return data, nil
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("only http/https allowed, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", rawURL)
	}
	return nil
}
