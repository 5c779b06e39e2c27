package safety

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrBodyTooLarge indicates a response body exceeded the configured read limit.
var ErrBodyTooLarge = errors.New("response body too large")

// DefaultBodyLimit caps provider API responses.
const DefaultBodyLimit = 16 << 20

// NewHTTPClient creates an HTTP client with a fixed overall timeout for
// provider API calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(),
	}
}

// NewTransport returns the base transport shared by provider clients.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
	}
}

// ReadAllWithLimit reads from r and fails if content exceeds limit bytes.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid read limit: %d", limit)
	}
	lr := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// ValidateHTTPURL ensures the URL parses as HTTP(S) and contains no userinfo.
func ValidateHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL host is required")
	}
	if u.User != nil {
		return nil, fmt.Errorf("URL userinfo is not allowed")
	}
	return u, nil
}

// ValidateRedirectURI accepts https URLs, and plain http only for loopback
// hosts used during local OAuth setup.
func ValidateRedirectURI(raw string) (*url.URL, error) {
	u, err := ValidateHTTPURL(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "http" && !IsLoopbackHost(u) {
		return nil, fmt.Errorf("redirect URI must use https unless it points at localhost")
	}
	return u, nil
}

// IsLoopbackHost reports whether the URL host is localhost/loopback.
func IsLoopbackHost(u *url.URL) bool {
	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// HTTPError represents a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	Header     http.Header
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http error %d: %s: %s", e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// CheckResponse returns an *HTTPError for non-2xx responses, capturing a
// truncated body for diagnostics. The body is left for the caller to close.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := ReadAllWithLimit(resp.Body, 4096)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Body:       strings.TrimSpace(string(body)),
		Header:     resp.Header,
	}
}

// ShouldNotRetry returns true if the error should not trigger a retry.
func ShouldNotRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// Don't retry on 4xx errors except 429 (Too Many Requests)
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests {
			return true
		}
	}
	return false
}

// IsTemporary reports whether err is a network-level failure or a 5xx/429
// response.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// BackoffDelay calculates exponential backoff with jitter for the given
// 1-based attempt. base defaults to one second.
func BackoffDelay(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * base
	maxJitter := exponentialDelay / 2
	if maxJitter <= 0 {
		return exponentialDelay
	}
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}
