// Package provision runs the build workflow: it creates a VM in a
// per-region resource group and bootstraps Tailscale on it as an exit node.
//
// The workflow is a single linear sequence. Every phase is gated on the
// previous one; the three polls are the only steps whose exhaustion does not
// abort the run. Nothing is rolled back on failure.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/vpatelsj/exitnode/internal/bootstrap"
	"github.com/vpatelsj/exitnode/internal/cloud"
	"github.com/vpatelsj/exitnode/internal/config"
	"github.com/vpatelsj/exitnode/internal/retry"
	"github.com/vpatelsj/exitnode/internal/sshkey"
	"github.com/vpatelsj/exitnode/pkg/tailscale"
)

// AuthKeyEnv is read before prompting for the auth key.
const AuthKeyEnv = "TAILSCALE_AUTH_KEY"

var (
	// ErrEmptySecret is returned when no auth key was supplied.
	ErrEmptySecret = errors.New("tailscale auth key is empty")
	// ErrNoCloudInit is returned when the cloud-init file cannot be found.
	ErrNoCloudInit = errors.New("cloud-init file not found")
)

// Prompter reads a secret from the operator.
type Prompter interface {
	ReadSecret(label string) (string, error)
}

// IPFinder discovers the caller's public address.
type IPFinder interface {
	PublicIP(ctx context.Context) (string, error)
}

// Tailnet approves a joined node's exit routes.
type Tailnet interface {
	ApproveExitNode(ctx context.Context, hostname string) (*tailscale.DeviceRoutes, error)
}

// Provisioner holds the collaborators of the build workflow.
type Provisioner struct {
	Cloud    cloud.Cloud
	Prompter Prompter
	IPFinder IPFinder
	// Tailnet is optional; nil skips route approval.
	Tailnet Tailnet
	Config  *config.Config
	Logger  logr.Logger
	// Out receives the status output and the summary.
	Out io.Writer

	// ApprovePoll bounds route approval while the node registers. Zero
	// uses DefaultApprovePoll.
	ApprovePoll retry.Policy

	// LookupEnv and NewRunID default to os.LookupEnv and uuid.NewString.
	LookupEnv func(string) (string, bool)
	NewRunID  func() string
}

// DefaultApprovePoll is used when Provisioner.ApprovePoll is zero.
var DefaultApprovePoll = retry.Policy{Attempts: 6, Delay: 10 * time.Second}

// Result describes what a build produced.
type Result struct {
	Hostname      string
	Region        string
	ResourceGroup string
	RunID         string

	Size string
	// SizeFallback is true when no SKU qualified and the fallback was used.
	SizeFallback bool
	Image        string
	NSG          string
	CallerIP     string

	VMReady    bool
	AgentReady bool
	// Status is the `tailscale status` output confirming this run's join;
	// empty when the join was never confirmed.
	Status         string
	RoutesApproved bool

	Address cloud.Address
}

// Joined reports whether the status check confirmed this run's join.
func (r *Result) Joined() bool {
	return r.Status != ""
}

// Run executes the build workflow for req.
func (p *Provisioner) Run(ctx context.Context, req config.BuildRequest) (*Result, error) {
	if err := req.Validate().Err(); err != nil {
		return nil, err
	}
	cfg := p.Config
	log := p.Logger.WithValues("hostname", req.Hostname, "region", req.Region)

	res := &Result{
		Hostname:      req.Hostname,
		Region:        req.Region,
		ResourceGroup: cfg.ResourceGroupName(req.Region),
	}

	// Local inputs first, so a missing file costs no cloud call.
	cloudInitPath, customData, err := p.readCloudInit()
	if err != nil {
		return nil, err
	}
	var sshPublicKey string
	if req.SSHKeyPath != "" {
		sshPublicKey, err = sshkey.ReadPublicKey(req.SSHKeyPath)
		if err != nil {
			return nil, err
		}
	}

	authKey, err := p.readAuthKey(log)
	if err != nil {
		return nil, err
	}

	log.Info("Ensuring resource group", "resourceGroup", res.ResourceGroup)
	exists, err := p.Cloud.ResourceGroupExists(ctx, res.ResourceGroup)
	if err != nil {
		return nil, fmt.Errorf("check resource group %s: %w", res.ResourceGroup, err)
	}
	if exists {
		log.V(1).Info("Resource group exists", "resourceGroup", res.ResourceGroup)
	} else {
		if err := p.Cloud.CreateResourceGroup(ctx, res.ResourceGroup, req.Region); err != nil {
			return nil, fmt.Errorf("create resource group %s: %w", res.ResourceGroup, err)
		}
		log.Info("Created resource group", "resourceGroup", res.ResourceGroup)
	}

	res.CallerIP, err = p.IPFinder.PublicIP(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover caller IP: %w", err)
	}
	log.Info("Discovered caller IP", "ip", res.CallerIP)

	if err := p.selectSize(ctx, log, req.Region, res); err != nil {
		return nil, err
	}
	if err := p.selectImage(ctx, log, req.Region, res); err != nil {
		return nil, err
	}

	if cfg.RestrictSSH {
		res.NSG = cfg.NSGName(req.Hostname)
		log.Info("Creating network security group", "nsg", res.NSG)
		if err := p.Cloud.CreateNSG(ctx, res.ResourceGroup, res.NSG, req.Region); err != nil {
			return nil, fmt.Errorf("create NSG %s: %w", res.NSG, err)
		}
		rule := cloud.SSHRule(res.CallerIP)
		if err := p.Cloud.CreateNSGRule(ctx, res.ResourceGroup, res.NSG, rule); err != nil {
			return nil, fmt.Errorf("create NSG rule %s: %w", rule.Name, err)
		}
		log.Info("Restricted SSH to caller", "source", rule.SourcePrefix)
	} else {
		log.Info("SSH restriction disabled, skipping network security group")
	}

	spec := cloud.VMSpec{
		Name:          req.Hostname,
		ResourceGroup: res.ResourceGroup,
		Location:      req.Region,
		Size:          res.Size,
		Image:         res.Image,
		AdminUsername: cfg.AdminUsername,
		OSDiskSizeGB:  cfg.OSDiskSizeGB,
		CloudInitPath: cloudInitPath,
		CustomData:    customData,
		SSHPublicKey:  sshPublicKey,
		NSG:           res.NSG,
		DNSLabel:      req.DNSLabel(),
	}
	ref := spec.Ref()
	log.Info("Creating VM", "size", spec.Size, "image", spec.Image)
	if err := p.Cloud.CreateVM(ctx, spec); err != nil {
		return nil, fmt.Errorf("create VM %s: %w", spec.Name, err)
	}

	if res.VMReady, err = p.waitVMReady(ctx, log, ref); err != nil {
		return nil, err
	}
	if res.AgentReady, err = p.waitAgentReady(ctx, log, ref); err != nil {
		return nil, err
	}

	res.RunID = p.newRunID()
	command, err := bootstrap.Command(bootstrap.Params{
		AuthKey:      authKey,
		RunID:        res.RunID,
		Hostname:     req.Hostname,
		InstallURL:   cfg.InstallURL,
		AcceptRoutes: cfg.AcceptRoutes,
	})
	if err != nil {
		return nil, err
	}
	log.Info("Installing Tailscale", "runID", res.RunID)
	if err := p.Cloud.SetBootstrapExtension(ctx, ref, command); err != nil {
		return nil, fmt.Errorf("set bootstrap extension on %s: %w", ref, err)
	}

	if res.Status, err = p.waitStatus(ctx, log, ref, res.RunID); err != nil {
		return nil, err
	}
	if res.Joined() {
		fmt.Fprintln(p.Out, res.Status)
	}

	if p.Tailnet != nil {
		if res.RoutesApproved, err = p.approveRoutes(ctx, log, req.Hostname); err != nil {
			return nil, err
		}
	}

	res.Address = p.lookupAddress(ctx, log, res.ResourceGroup, spec.DNSLabel)
	p.printSummary(res)
	return res, nil
}

func (p *Provisioner) readCloudInit() (string, []byte, error) {
	path := p.Config.ResolveCloudInitPath()
	if path == "" {
		return "", nil, ErrNoCloudInit
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil, fmt.Errorf("%w: %s", ErrNoCloudInit, path)
	}
	if err != nil {
		return "", nil, fmt.Errorf("read cloud-init: %w", err)
	}
	return path, data, nil
}

func (p *Provisioner) readAuthKey(log logr.Logger) (string, error) {
	lookup := p.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	key, ok := lookup(AuthKeyEnv)
	if ok && strings.TrimSpace(key) != "" {
		log.V(1).Info("Using auth key from environment", "env", AuthKeyEnv)
	} else {
		var err error
		key, err = p.Prompter.ReadSecret("Tailscale auth key: ")
		if err != nil {
			return "", fmt.Errorf("read auth key: %w", err)
		}
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrEmptySecret
	}
	if !strings.HasPrefix(key, "tskey-") {
		log.Info("Warning: auth key does not start with tskey-, continuing anyway")
	}
	return key, nil
}

func (p *Provisioner) selectSize(ctx context.Context, log logr.Logger, region string, res *Result) error {
	if p.Config.VMSize != "" {
		res.Size = p.Config.VMSize
		log.Info("Using configured VM size", "size", res.Size)
		return nil
	}

	skus, err := p.Cloud.ListSKUs(ctx, region)
	if err != nil {
		return fmt.Errorf("list SKUs in %s: %w", region, err)
	}
	size, ok := cloud.SelectSize(skus, p.Config.SizeLimits(), p.Config.FallbackSize)
	res.Size, res.SizeFallback = size, !ok
	if ok {
		log.Info("Selected VM size", "size", size, "candidates", len(skus))
	} else {
		log.Info("No SKU matched the size limits, using fallback", "size", size, "limits", p.Config.SizeLimits())
	}
	return nil
}

func (p *Provisioner) selectImage(ctx context.Context, log logr.Logger, region string, res *Result) error {
	if p.Config.Image != "" {
		res.Image = p.Config.Image
		log.Info("Using configured image", "image", res.Image)
		return nil
	}

	q := p.Config.ImageQuery()
	images, err := p.Cloud.ListImages(ctx, region, q)
	if err != nil {
		return fmt.Errorf("list images %s: %w", q, err)
	}
	img, err := cloud.NewestImage(images)
	if err != nil {
		return fmt.Errorf("select image %s in %s: %w", q, region, err)
	}
	res.Image = img.URN()
	log.Info("Selected image", "image", res.Image)
	return nil
}

func (p *Provisioner) newRunID() string {
	if p.NewRunID != nil {
		return p.NewRunID()
	}
	return uuid.NewString()
}
