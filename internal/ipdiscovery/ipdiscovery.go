// Package ipdiscovery asks an external "what is my IP" service for the
// caller's public address.
package ipdiscovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/vpatelsj/exitnode/internal/logging"
)

// DefaultURL answers a plain GET with the caller's address as text.
const DefaultURL = "http://ifconfig.me/ip"

// ErrNoPublicIP is returned when the service answered without a usable
// address.
var ErrNoPublicIP = errors.New("public IP discovery returned no address")

// maxBody caps how much of the response is read; an address is a few bytes.
const maxBody = 1 << 10

// Finder queries a single discovery endpoint.
type Finder struct {
	url    string
	client *retryablehttp.Client
}

// NewFinder returns a Finder for url, or DefaultURL when url is empty.
func NewFinder(url string, logger logr.Logger) *Finder {
	if url == "" {
		url = DefaultURL
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = logging.NewLeveledLogger(logger.WithName("ipdiscovery"))
	return &Finder{url: url, client: client}
}

// PublicIP returns the caller's public address as reported by the service.
func (f *Finder) PublicIP(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("User-Agent", "curl/8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("query %s: unexpected status %d", f.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", ErrNoPublicIP
	}
	addr, err := netip.ParseAddr(text)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not an IP address", ErrNoPublicIP, text)
	}
	return addr.String(), nil
}
