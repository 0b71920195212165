// Package tailscale provides a client for the Tailscale API.
package tailscale

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultBaseURL is the Tailscale API v2 endpoint.
	DefaultBaseURL = "https://api.tailscale.com/api/v2"

	requestTimeout = 30 * time.Second
)

// ExitRoutes are the routes a node advertises with --advertise-exit-node.
var ExitRoutes = []string{"0.0.0.0/0", "::/0"}

var (
	// ErrDeviceNotFound is returned when no device matches a hostname.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrExitRoutesNotAdvertised is returned when a device has not (yet)
	// advertised itself as an exit node.
	ErrExitRoutesNotAdvertised = errors.New("exit routes not advertised")
)

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// Client is a Tailscale API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	tailnet    string
	logger     logr.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client. With OAuth its transport also
// carries the token requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func newClient(tailnet string, logger logr.Logger, opts []Option) *Client {
	if tailnet == "" {
		tailnet = "-"
	}
	c := &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    DefaultBaseURL,
		tailnet:    tailnet,
		logger:     logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewClient creates a new Tailscale API client.
// If apiKey is empty, it reads from TAILSCALE_API_KEY environment variable.
// If tailnet is empty, it uses "-" to mean the default tailnet for the API key.
func NewClient(apiKey, tailnet string, logger logr.Logger, opts ...Option) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("TAILSCALE_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("TAILSCALE_API_KEY not set")
	}
	c := newClient(tailnet, logger, opts)
	c.apiKey = apiKey
	return c, nil
}

// NewClientWithOAuth creates a client authenticating with an OAuth client.
// Tokens come from the client-credentials grant at <baseURL>/oauth/token and
// are refreshed as they expire.
func NewClientWithOAuth(ctx context.Context, clientID, clientSecret, tailnet string, logger logr.Logger, opts ...Option) (*Client, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("TAILSCALE_CLIENT_ID and TAILSCALE_CLIENT_SECRET must be set for OAuth")
	}
	c := newClient(tailnet, logger, opts)

	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     c.baseURL + "/oauth/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// The token endpoint is reached through the configured client too.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	hc := cfg.Client(ctx)
	hc.Timeout = requestTimeout
	c.httpClient = hc
	return c, nil
}

// Device represents a Tailscale device.
type Device struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Hostname         string   `json:"hostname"`
	Addresses        []string `json:"addresses"`
	TailscaleIP      string   `json:"-"` // Populated from Addresses[0]
	Tags             []string `json:"tags"`
	AdvertisedRoutes []string `json:"advertisedRoutes"`
	EnabledRoutes    []string `json:"enabledRoutes"`
	Created          string   `json:"created"`
	LastSeen         string   `json:"lastSeen"`
	OS               string   `json:"os"`
	ClientVersion    string   `json:"clientVersion"`
}

// DeviceRoutes represents the routes for a device.
type DeviceRoutes struct {
	AdvertisedRoutes []string `json:"advertisedRoutes"`
	EnabledRoutes    []string `json:"enabledRoutes"`
}

// doRequest performs an HTTP request with authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	// OAuth clients carry their token in the transport.
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	return respBody, nil
}

// ListDevices lists all devices in the tailnet.
func (c *Client) ListDevices(ctx context.Context) ([]*Device, error) {
	path := fmt.Sprintf("/tailnet/%s/devices", url.PathEscape(c.tailnet))
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Devices []*Device `json:"devices"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal devices: %w", err)
	}

	for _, d := range result.Devices {
		if len(d.Addresses) > 0 {
			d.TailscaleIP = d.Addresses[0]
		}
	}

	return result.Devices, nil
}

// FindDeviceByHostname finds a device by its hostname, case-insensitively.
// The MagicDNS name (<host>.<tailnet>.ts.net) also matches.
//
// A rebuilt node registers as a new device with the same hostname while the
// old one is still listed, so when several devices match the most recently
// created one wins.
func (c *Client) FindDeviceByHostname(ctx context.Context, hostname string) (*Device, error) {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	hostname = strings.ToLower(hostname)
	var (
		found   *Device
		created time.Time
	)
	for _, d := range devices {
		name := strings.ToLower(d.Name)
		if strings.ToLower(d.Hostname) != hostname && name != hostname && !strings.HasPrefix(name, hostname+".") {
			continue
		}
		t := d.createdAt()
		if found == nil || t.After(created) {
			found, created = d, t
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, hostname)
	}
	return found, nil
}

// createdAt parses Created. An unset or malformed value is the zero time.
func (d *Device) createdAt() time.Time {
	t, err := time.Parse(time.RFC3339, d.Created)
	if err != nil {
		return time.Time{}
	}
	return t
}

// GetDeviceRoutes gets the routes for a device.
func (c *Client) GetDeviceRoutes(ctx context.Context, deviceID string) (*DeviceRoutes, error) {
	path := fmt.Sprintf("/device/%s/routes", url.PathEscape(deviceID))
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var routes DeviceRoutes
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, fmt.Errorf("unmarshal routes: %w", err)
	}

	return &routes, nil
}

// SetDeviceRoutes sets which advertised routes are enabled for a device.
// The routes parameter should contain all routes that should be enabled.
func (c *Client) SetDeviceRoutes(ctx context.Context, deviceID string, routes []string) (*DeviceRoutes, error) {
	path := fmt.Sprintf("/device/%s/routes", url.PathEscape(deviceID))
	data, err := c.doRequest(ctx, http.MethodPost, path, map[string][]string{"routes": routes})
	if err != nil {
		return nil, err
	}

	var updated DeviceRoutes
	if err := json.Unmarshal(data, &updated); err != nil {
		return nil, fmt.Errorf("unmarshal routes: %w", err)
	}
	return &updated, nil
}

// ApproveExitNode enables the exit routes advertised by the device named
// hostname, keeping any routes already enabled.
func (c *Client) ApproveExitNode(ctx context.Context, hostname string) (*DeviceRoutes, error) {
	log := c.logger.WithValues("operation", "ApproveExitNode", "hostname", hostname)

	device, err := c.FindDeviceByHostname(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("find device: %w", err)
	}
	log = log.WithValues("deviceID", device.ID)

	routes, err := c.GetDeviceRoutes(ctx, device.ID)
	if err != nil {
		return nil, fmt.Errorf("get routes: %w", err)
	}
	for _, r := range ExitRoutes {
		if !slices.Contains(routes.AdvertisedRoutes, r) {
			return nil, fmt.Errorf("%w by %s (advertised %v)", ErrExitRoutesNotAdvertised, hostname, routes.AdvertisedRoutes)
		}
	}

	enabled := slices.Clone(routes.EnabledRoutes)
	changed := false
	for _, r := range ExitRoutes {
		if !slices.Contains(enabled, r) {
			enabled = append(enabled, r)
			changed = true
		}
	}
	if !changed {
		log.Info("Exit routes already enabled")
		return routes, nil
	}

	log.Info("Enabling exit routes", "routes", enabled)
	updated, err := c.SetDeviceRoutes(ctx, device.ID, enabled)
	if err != nil {
		return nil, fmt.Errorf("set routes: %w", err)
	}
	return updated, nil
}
