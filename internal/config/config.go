package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vpatelsj/exitnode/internal/cloud"
	"github.com/vpatelsj/exitnode/internal/ipdiscovery"
	"github.com/vpatelsj/exitnode/internal/retry"
)

// Backend names accepted in the backend setting.
const (
	BackendAzCLI = "az"
	BackendARM   = "arm"
)

// Config holds every tunable of exitnode. Zero values are replaced by
// Default() before a file or the environment is applied.
type Config struct {
	Backend        string `yaml:"backend"`
	SubscriptionID string `yaml:"subscription_id"`
	TenantID       string `yaml:"tenant_id"`

	ResourceGroupPrefix string `yaml:"resource_group_prefix"`
	AdminUsername       string `yaml:"admin_username"`
	OSDiskSizeGB        int32  `yaml:"os_disk_size_gb"`

	// VMSize pins the size; empty selects one from the SKU catalog.
	VMSize       string  `yaml:"vm_size"`
	SizeFamily   string  `yaml:"size_family"`
	MaxVCPUs     int     `yaml:"max_vcpus"`
	MaxMemoryGB  float64 `yaml:"max_memory_gb"`
	FallbackSize string  `yaml:"fallback_size"`

	// Image pins a URN; empty picks the newest version of
	// ImagePublisher:ImageOffer:ImageSKU.
	Image          string `yaml:"image"`
	ImagePublisher string `yaml:"image_publisher"`
	ImageOffer     string `yaml:"image_offer"`
	ImageSKU       string `yaml:"image_sku"`

	RestrictSSH bool   `yaml:"restrict_ssh"`
	NSGSuffix   string `yaml:"nsg_suffix"`

	CloudInitPath  string `yaml:"cloud_init_path"`
	IPDiscoveryURL string `yaml:"ip_discovery_url"`
	InstallURL     string `yaml:"install_url"`
	AcceptRoutes   bool   `yaml:"accept_routes"`

	VMReadyPoll    retry.Policy `yaml:"vm_ready_poll"`
	AgentReadyPoll retry.Policy `yaml:"agent_ready_poll"`
	StatusPoll     retry.Policy `yaml:"status_poll"`

	Tailscale TailscaleConfig `yaml:"tailscale"`
}

// TailscaleConfig holds credentials for the optional tailnet API step that
// approves the new node's exit routes. The auth key used to join is never
// read from the file; it comes from TAILSCALE_AUTH_KEY or the prompt.
type TailscaleConfig struct {
	APIKey       string `yaml:"api_key"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Tailnet      string `yaml:"tailnet"`
}

// Enabled reports whether tailnet API credentials are present.
func (t TailscaleConfig) Enabled() bool {
	return t.APIKey != "" || (t.ClientID != "" && t.ClientSecret != "")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend:             BackendAzCLI,
		ResourceGroupPrefix: "tailscale-exit-",
		AdminUsername:       "azureuser",
		// Not 5 GB: Azure rejects an OS disk smaller than the Ubuntu image.
		OSDiskSizeGB:        30,
		SizeFamily:          "standardBSFamily",
		MaxVCPUs:            2,
		MaxMemoryGB:         2,
		FallbackSize:        cloud.DefaultFallbackSize,
		ImagePublisher:      "Canonical",
		ImageOffer:          "ubuntu-24_04-lts",
		ImageSKU:            "server",
		RestrictSSH:         true,
		NSGSuffix:           "-nsg",
		CloudInitPath:       "cloud-init.yaml",
		IPDiscoveryURL:      ipdiscovery.DefaultURL,
		AcceptRoutes:        true,
		VMReadyPoll:         retry.Policy{Attempts: 30, Delay: 10 * time.Second},
		AgentReadyPoll:      retry.Policy{Attempts: 30, Delay: 10 * time.Second},
		StatusPoll:          retry.Policy{Attempts: 10, Delay: 15 * time.Second},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/exitnode/config.yaml (or the
// platform equivalent).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "exitnode", "config.yaml")
}

// Load builds the configuration: defaults, then the YAML file at path, then
// the environment. An empty path tries DefaultPath and tolerates its
// absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			cfg.resolveRelative(filepath.Dir(path))
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)
	return &cfg, nil
}

// resolveRelative makes a relative cloud-init path from a config file
// relative to that file.
func (c *Config) resolveRelative(dir string) {
	if c.CloudInitPath != "" && !filepath.IsAbs(c.CloudInitPath) {
		c.CloudInitPath = filepath.Join(dir, c.CloudInitPath)
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	set(&c.Backend, "EXITNODE_BACKEND")
	set(&c.SubscriptionID, "AZURE_SUBSCRIPTION_ID")
	set(&c.TenantID, "AZURE_TENANT_ID")
	set(&c.CloudInitPath, "EXITNODE_CLOUD_INIT")
	set(&c.VMSize, "EXITNODE_VM_SIZE")
	set(&c.Image, "EXITNODE_IMAGE")
	set(&c.IPDiscoveryURL, "EXITNODE_IP_DISCOVERY_URL")
	set(&c.Tailscale.APIKey, "TAILSCALE_API_KEY")
	set(&c.Tailscale.ClientID, "TAILSCALE_CLIENT_ID")
	set(&c.Tailscale.ClientSecret, "TAILSCALE_CLIENT_SECRET")
	set(&c.Tailscale.Tailnet, "TAILSCALE_TAILNET")
}

// ResolveCloudInitPath returns the cloud-init path, resolving a relative
// path against the directory of the running executable, where the payload
// ships alongside the binary. When that file does not exist the path is
// returned relative to the working directory unchanged.
func (c *Config) ResolveCloudInitPath() string {
	p := c.CloudInitPath
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), p)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return p
}

// ResourceGroupName returns the resource group used for region.
func (c *Config) ResourceGroupName(region string) string {
	return c.ResourceGroupPrefix + strings.ToLower(region)
}

// NSGName returns the network security group name for a VM.
func (c *Config) NSGName(hostname string) string {
	return hostname + c.NSGSuffix
}

// ImageQuery returns the catalog query used for dynamic image selection.
func (c *Config) ImageQuery() cloud.ImageQuery {
	return cloud.ImageQuery{Publisher: c.ImagePublisher, Offer: c.ImageOffer, SKU: c.ImageSKU}
}

// SizeLimits returns the limits used for dynamic size selection.
func (c *Config) SizeLimits() cloud.SizeLimits {
	return cloud.SizeLimits{Family: c.SizeFamily, MaxVCPUs: c.MaxVCPUs, MaxMemoryGB: c.MaxMemoryGB}
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	switch c.Backend {
	case BackendAzCLI:
	case BackendARM:
		if c.SubscriptionID == "" {
			errs = append(errs, ValidationError{
				Field:   "subscription_id",
				Message: "required for the arm backend",
				Hint:    "set subscription_id in the config file or AZURE_SUBSCRIPTION_ID",
			})
		} else if !isValidSubscriptionID(c.SubscriptionID) {
			errs = append(errs, ValidationError{
				Field:   "subscription_id",
				Message: "invalid format",
				Hint:    "must be a GUID like 'xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "backend",
			Message: fmt.Sprintf("unknown backend %q", c.Backend),
			Hint:    "use 'az' or 'arm'",
		})
	}

	if c.ResourceGroupPrefix == "" || !isValidAzureResourceName(c.ResourceGroupPrefix+"x") {
		errs = append(errs, ValidationError{
			Field:   "resource_group_prefix",
			Message: fmt.Sprintf("invalid prefix %q", c.ResourceGroupPrefix),
			Hint:    "alphanumeric, underscores, hyphens and periods only",
		})
	}

	if !isValidLinuxUsername(c.AdminUsername) {
		errs = append(errs, ValidationError{
			Field:   "admin_username",
			Message: fmt.Sprintf("invalid username %q", c.AdminUsername),
			Hint:    "1-32 chars, start with a letter, lowercase alphanumeric, '-' and '_'; cannot be 'root'",
		})
	}

	if c.OSDiskSizeGB < 0 || c.OSDiskSizeGB > 4095 {
		errs = append(errs, ValidationError{
			Field:   "os_disk_size_gb",
			Message: fmt.Sprintf("out of range: %d", c.OSDiskSizeGB),
			Hint:    "0 keeps the image default; Azure allows up to 4095",
		})
	}

	if c.VMSize == "" {
		if c.MaxVCPUs <= 0 || c.MaxMemoryGB <= 0 {
			errs = append(errs, ValidationError{
				Field:   "max_vcpus/max_memory_gb",
				Message: "must be positive when vm_size is not set",
			})
		}
		if c.FallbackSize == "" {
			errs = append(errs, ValidationError{
				Field:   "fallback_size",
				Message: "required when vm_size is not set",
				Hint:    "e.g. 'Standard_B1s'",
			})
		}
	}

	if c.Image != "" {
		if _, err := cloud.ParseURN(c.Image); err != nil {
			errs = append(errs, ValidationError{
				Field:   "image",
				Message: err.Error(),
				Hint:    "e.g. 'Canonical:ubuntu-24_04-lts:server:latest'",
			})
		}
	} else if c.ImagePublisher == "" || c.ImageOffer == "" || c.ImageSKU == "" {
		errs = append(errs, ValidationError{
			Field:   "image_publisher/image_offer/image_sku",
			Message: "all three are required when image is not set",
		})
	}

	if c.CloudInitPath == "" {
		errs = append(errs, ValidationError{
			Field:   "cloud_init_path",
			Message: "required but not provided",
			Hint:    "point it at the cloud-init document shipped next to the binary",
		})
	}

	polls := []struct {
		field  string
		policy retry.Policy
	}{
		{"vm_ready_poll", c.VMReadyPoll},
		{"agent_ready_poll", c.AgentReadyPoll},
		{"status_poll", c.StatusPoll},
	}
	for _, p := range polls {
		if p.policy.Attempts == 0 || p.policy.Delay < 0 {
			errs = append(errs, ValidationError{
				Field:   p.field,
				Message: "attempts must be positive and delay non-negative",
			})
		}
	}

	if c.Tailscale.ClientID != "" && c.Tailscale.ClientSecret == "" {
		errs = append(errs, ValidationError{
			Field:   "tailscale.client_secret",
			Message: "required when client_id is set",
			Hint:    "set TAILSCALE_CLIENT_SECRET",
		})
	}

	return errs
}

// BuildRequest is the parsed --build invocation.
type BuildRequest struct {
	Hostname   string
	Region     string
	SSHKeyPath string
}

// DNSLabel returns the public IP DNS label for the request.
func (r BuildRequest) DNSLabel() string {
	return strings.ToLower(r.Hostname)
}

// Validate checks hostname and region. It does not touch the filesystem.
func (r BuildRequest) Validate() ValidationErrors {
	var errs ValidationErrors

	if r.Hostname == "" {
		errs = append(errs, ValidationError{
			Field:   "hostname",
			Message: "required but not provided",
			Hint:    "pass -h <hostname>",
		})
	} else if !isValidHostname(r.Hostname) {
		errs = append(errs, ValidationError{
			Field:   "hostname",
			Message: fmt.Sprintf("invalid hostname %q", r.Hostname),
			Hint:    "3-63 chars, start with a letter, letters, digits and hyphens only, cannot end with a hyphen",
		})
	}

	if r.Region == "" {
		errs = append(errs, ValidationError{
			Field:   "region",
			Message: "required but not provided",
			Hint:    "pass -r <region>; see --list regions",
		})
	} else if !regionPattern.MatchString(r.Region) {
		errs = append(errs, ValidationError{
			Field:   "region",
			Message: fmt.Sprintf("invalid region %q", r.Region),
			Hint:    "use the short name from --list regions, e.g. 'eastus'",
		})
	}

	return errs
}

// --- Validation helpers ---

var (
	guidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	azureResourceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-_.]*[a-zA-Z0-9_])?$`)

	linuxUsernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)

	// The hostname doubles as the DNS label once lowercased, so it has to
	// satisfy the stricter of the VM-name and DNS-label rules.
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]{1,61}[a-zA-Z0-9]$`)

	regionPattern = regexp.MustCompile(`^[a-z][a-z0-9]*$`)
)

func isValidSubscriptionID(id string) bool {
	return guidPattern.MatchString(id)
}

func isValidAzureResourceName(name string) bool {
	if len(name) == 0 || len(name) > 90 {
		return false
	}
	return azureResourceNamePattern.MatchString(name)
}

func isValidLinuxUsername(username string) bool {
	if len(username) == 0 || len(username) > 32 {
		return false
	}
	if username == "root" {
		return false
	}
	return linuxUsernamePattern.MatchString(username)
}

func isValidHostname(name string) bool {
	return hostnamePattern.MatchString(name)
}
