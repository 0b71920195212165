// Package azcli implements cloud.Cloud by driving the az command-line tool.
// Every call requests JSON (or TSV for scalar queries) and decodes only the
// fields exitnode uses.
package azcli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/vpatelsj/exitnode/internal/cloud"
)

var _ cloud.Cloud = (*Client)(nil)

// Client is the az backend.
type Client struct {
	runner       Runner
	log          logr.Logger
	subscription string
	lookPath     func(string) (string, error)
	tempDir      string
}

// Option configures a Client.
type Option func(*Client)

// WithSubscription selects the subscription after the session check.
func WithSubscription(id string) Option {
	return func(c *Client) { c.subscription = id }
}

// WithTempDir sets where protected settings files are written.
func WithTempDir(dir string) Option {
	return func(c *Client) { c.tempDir = dir }
}

// New returns a Client running az through runner.
func New(runner Runner, log logr.Logger, opts ...Option) *Client {
	c := &Client{
		runner:   runner,
		log:      log,
		lookPath: exec.LookPath,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CheckSession verifies az is installed and logged in, running a
// device-code login when `az account show` fails.
func (c *Client) CheckSession(ctx context.Context) error {
	if _, err := c.lookPath("az"); err != nil {
		return cloud.ErrCLINotFound
	}

	if _, err := c.runner.Run(ctx, "account", "show", "-o", "json"); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Info("No active Azure session, starting device code login")
		if err := c.runner.RunInteractive(ctx, "login", "--use-device-code"); err != nil {
			return fmt.Errorf("az login: %w", err)
		}
	}

	if c.subscription != "" {
		if _, err := c.runner.Run(ctx, "account", "set", "--subscription", c.subscription); err != nil {
			return fmt.Errorf("select subscription %s: %w", c.subscription, err)
		}
	}
	return nil
}

type locationJSON struct {
	Name                string `json:"name"`
	DisplayName         string `json:"displayName"`
	RegionalDisplayName string `json:"regionalDisplayName"`
	Metadata            *struct {
		RegionType string `json:"regionType"`
	} `json:"metadata"`
}

// ListRegions returns the physical regions available to the subscription,
// sorted by name.
func (c *Client) ListRegions(ctx context.Context) ([]cloud.Region, error) {
	var locs []locationJSON
	if err := c.runJSON(ctx, &locs, "account", "list-locations", "-o", "json"); err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}

	regions := make([]cloud.Region, 0, len(locs))
	for _, l := range locs {
		if l.Metadata != nil && l.Metadata.RegionType != "" && !strings.EqualFold(l.Metadata.RegionType, "Physical") {
			continue
		}
		regions = append(regions, cloud.Region{
			Name:                l.Name,
			DisplayName:         l.DisplayName,
			RegionalDisplayName: l.RegionalDisplayName,
		})
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Name < regions[j].Name })
	return regions, nil
}

type vmJSON struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ResourceGroup  string `json:"resourceGroup"`
	Location       string `json:"location"`
	PowerState     string `json:"powerState"`
	NetworkProfile struct {
		NetworkInterfaces []struct {
			ID string `json:"id"`
		} `json:"networkInterfaces"`
	} `json:"networkProfile"`
}

// ListVMs returns every VM in the subscription with its power state.
func (c *Client) ListVMs(ctx context.Context) ([]cloud.VM, error) {
	var raw []vmJSON
	if err := c.runJSON(ctx, &raw, "vm", "list", "-d", "-o", "json"); err != nil {
		return nil, fmt.Errorf("list VMs: %w", err)
	}

	vms := make([]cloud.VM, 0, len(raw))
	for _, v := range raw {
		vm := cloud.VM{
			ID:            v.ID,
			Name:          v.Name,
			ResourceGroup: v.ResourceGroup,
			Location:      v.Location,
			PowerState:    cloud.NormalizePowerState(v.PowerState),
		}
		for _, nic := range v.NetworkProfile.NetworkInterfaces {
			vm.NICIDs = append(vm.NICIDs, nic.ID)
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

type publicIPJSON struct {
	Name        string `json:"name"`
	IPAddress   string `json:"ipAddress"`
	DNSSettings *struct {
		FQDN string `json:"fqdn"`
	} `json:"dnsSettings"`
	IPConfiguration *struct {
		ID string `json:"id"`
	} `json:"ipConfiguration"`
}

// ListPublicIPs returns the public IP resources of a resource group.
func (c *Client) ListPublicIPs(ctx context.Context, resourceGroup string) ([]cloud.PublicIP, error) {
	var raw []publicIPJSON
	if err := c.runJSON(ctx, &raw, "network", "public-ip", "list", "-g", resourceGroup, "-o", "json"); err != nil {
		return nil, fmt.Errorf("list public IPs in %s: %w", resourceGroup, err)
	}

	ips := make([]cloud.PublicIP, 0, len(raw))
	for _, p := range raw {
		ip := cloud.PublicIP{Name: p.Name, IPAddress: p.IPAddress}
		if p.DNSSettings != nil {
			ip.FQDN = p.DNSSettings.FQDN
		}
		if p.IPConfiguration != nil {
			ip.IPConfigurationID = p.IPConfiguration.ID
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

type skuJSON struct {
	Name         string `json:"name"`
	Family       string `json:"family"`
	Capabilities []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"capabilities"`
	Restrictions []struct {
		Type string `json:"type"`
	} `json:"restrictions"`
}

// ListSKUs returns the VM sizes offered in location. A SKU restricted for the
// whole location is marked Restricted; zone-level restrictions are ignored.
func (c *Client) ListSKUs(ctx context.Context, location string) ([]cloud.SKU, error) {
	var raw []skuJSON
	err := c.runJSON(ctx, &raw, "vm", "list-skus",
		"--location", location,
		"--resource-type", "virtualMachines",
		"-o", "json",
	)
	if err != nil {
		return nil, fmt.Errorf("list SKUs in %s: %w", location, err)
	}

	skus := make([]cloud.SKU, 0, len(raw))
	for _, r := range raw {
		s := cloud.SKU{Name: r.Name, Family: r.Family}
		for _, capability := range r.Capabilities {
			switch capability.Name {
			case "vCPUs":
				s.VCPUs, _ = strconv.Atoi(capability.Value)
			case "MemoryGB":
				s.MemoryGB, _ = strconv.ParseFloat(capability.Value, 64)
			}
		}
		for _, restriction := range r.Restrictions {
			if strings.EqualFold(restriction.Type, "Location") {
				s.Restricted = true
			}
		}
		skus = append(skus, s)
	}
	return skus, nil
}

// ListImages returns every version of the image query in location. az
// matches --sku as a substring, so results are narrowed to the exact SKU.
func (c *Client) ListImages(ctx context.Context, location string, q cloud.ImageQuery) ([]cloud.Image, error) {
	var raw []cloud.Image
	err := c.runJSON(ctx, &raw, "vm", "image", "list",
		"--publisher", q.Publisher,
		"--offer", q.Offer,
		"--sku", q.SKU,
		"--location", location,
		"--all",
		"-o", "json",
	)
	if err != nil {
		return nil, fmt.Errorf("list images %s in %s: %w", q, location, err)
	}

	images := raw[:0]
	for _, img := range raw {
		if strings.EqualFold(img.SKU, q.SKU) && strings.EqualFold(img.Offer, q.Offer) {
			images = append(images, img)
		}
	}
	return images, nil
}

func (c *Client) runJSON(ctx context.Context, v any, args ...string) error {
	out, err := c.runner.Run(ctx, args...)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(out))) == 0 {
		return nil
	}
	if err := json.Unmarshal(out, v); err != nil {
		return fmt.Errorf("decode az %s output: %w", verb(args), err)
	}
	return nil
}
