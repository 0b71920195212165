package arm

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	azarm "github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"

	"github.com/vpatelsj/exitnode/internal/bootstrap"
	"github.com/vpatelsj/exitnode/internal/cloud"
	"github.com/vpatelsj/exitnode/internal/sshkey"
)

var _ cloud.Cloud = (*Clients)(nil)

const generatedKeyName = "exitnode_ed25519"

func (c *Clients) ListRegions(ctx context.Context) ([]cloud.Region, error) {
	var regions []cloud.Region
	pager := c.Subscriptions.NewListLocationsPager(c.SubscriptionID, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list regions: %w", err)
		}
		for _, l := range page.Value {
			if l == nil {
				continue
			}
			if l.Metadata != nil && l.Metadata.RegionType != nil &&
				*l.Metadata.RegionType != armsubscriptions.RegionTypePhysical {
				continue
			}
			regions = append(regions, cloud.Region{
				Name:                deref(l.Name),
				DisplayName:         deref(l.DisplayName),
				RegionalDisplayName: deref(l.RegionalDisplayName),
			})
		}
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Name < regions[j].Name })
	return regions, nil
}

// ListVMs lists every VM in the subscription. Power state is not part of the
// list response, so each VM costs one instance view request.
func (c *Clients) ListVMs(ctx context.Context) ([]cloud.VM, error) {
	var vms []cloud.VM
	pager := c.VirtualMachines.NewListAllPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list VMs: %w", err)
		}
		for _, v := range page.Value {
			if v == nil || v.ID == nil {
				continue
			}
			vm, err := vmFromResource(v)
			if err != nil {
				return nil, err
			}
			iv, err := c.VirtualMachines.InstanceView(ctx, vm.ResourceGroup, vm.Name, nil)
			switch {
			case isNotFound(err):
				// Deleted since the list call; listed without a power state.
				c.Logger.V(1).Info("VM disappeared while listing", "vm", vm.Name, "resourceGroup", vm.ResourceGroup)
			case err != nil:
				return nil, fmt.Errorf("get instance view of %s: %w", vm.Name, err)
			default:
				vm.PowerState = statusFromInstanceView(iv.Statuses).PowerState
			}
			vms = append(vms, vm)
		}
	}
	return vms, nil
}

func vmFromResource(v *armcompute.VirtualMachine) (cloud.VM, error) {
	id, err := azarm.ParseResourceID(*v.ID)
	if err != nil {
		return cloud.VM{}, fmt.Errorf("parse VM ID %s: %w", *v.ID, err)
	}
	vm := cloud.VM{
		ID:            *v.ID,
		Name:          deref(v.Name),
		ResourceGroup: id.ResourceGroupName,
		Location:      deref(v.Location),
	}
	if v.Properties != nil && v.Properties.NetworkProfile != nil {
		for _, nic := range v.Properties.NetworkProfile.NetworkInterfaces {
			if nic != nil && nic.ID != nil {
				vm.NICIDs = append(vm.NICIDs, *nic.ID)
			}
		}
	}
	return vm, nil
}

func (c *Clients) ListPublicIPs(ctx context.Context, resourceGroup string) ([]cloud.PublicIP, error) {
	var ips []cloud.PublicIP
	pager := c.PublicIPs.NewListPager(resourceGroup, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list public IPs in %s: %w", resourceGroup, err)
		}
		for _, p := range page.Value {
			if p == nil {
				continue
			}
			ip := cloud.PublicIP{Name: deref(p.Name)}
			if props := p.Properties; props != nil {
				ip.IPAddress = deref(props.IPAddress)
				if props.DNSSettings != nil {
					ip.FQDN = deref(props.DNSSettings.Fqdn)
				}
				if props.IPConfiguration != nil {
					ip.IPConfigurationID = deref(props.IPConfiguration.ID)
				}
			}
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

func (c *Clients) ResourceGroupExists(ctx context.Context, name string) (bool, error) {
	_, err := c.ResourceGroups.Get(ctx, name, nil)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to get resource group: %w", err)
}

func (c *Clients) CreateResourceGroup(ctx context.Context, name, location string) error {
	c.Logger.Info("Creating resource group", "name", name, "location", location)
	if _, err := c.ResourceGroups.CreateOrUpdate(ctx, name, BuildResourceGroup(location), nil); err != nil {
		return fmt.Errorf("failed to create resource group: %w", err)
	}
	return nil
}

// ListSKUs returns the VM sizes offered in location. Only location-wide
// restrictions mark a SKU Restricted.
func (c *Clients) ListSKUs(ctx context.Context, location string) ([]cloud.SKU, error) {
	var skus []cloud.SKU
	pager := c.ResourceSKUs.NewListPager(&armcompute.ResourceSKUsClientListOptions{
		Filter: to.Ptr(fmt.Sprintf("location eq '%s'", location)),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list SKUs in %s: %w", location, err)
		}
		for _, r := range page.Value {
			if r == nil || !strings.EqualFold(deref(r.ResourceType), "virtualMachines") {
				continue
			}
			skus = append(skus, skuFromResource(r))
		}
	}
	return skus, nil
}

func skuFromResource(r *armcompute.ResourceSKU) cloud.SKU {
	s := cloud.SKU{Name: deref(r.Name), Family: deref(r.Family)}
	for _, capability := range r.Capabilities {
		if capability == nil {
			continue
		}
		switch deref(capability.Name) {
		case "vCPUs":
			s.VCPUs, _ = strconv.Atoi(deref(capability.Value))
		case "MemoryGB":
			s.MemoryGB, _ = strconv.ParseFloat(deref(capability.Value), 64)
		}
	}
	for _, restriction := range r.Restrictions {
		if restriction != nil && restriction.Type != nil &&
			*restriction.Type == armcompute.ResourceSKURestrictionsTypeLocation {
			s.Restricted = true
		}
	}
	return s
}

func (c *Clients) ListImages(ctx context.Context, location string, q cloud.ImageQuery) ([]cloud.Image, error) {
	resp, err := c.Images.List(ctx, location, q.Publisher, q.Offer, q.SKU, nil)
	if err != nil {
		return nil, fmt.Errorf("list images %s in %s: %w", q, location, err)
	}
	var images []cloud.Image
	for _, r := range resp.VirtualMachineImageResourceArray {
		if r == nil || r.Name == nil {
			continue
		}
		images = append(images, cloud.Image{
			Publisher: q.Publisher,
			Offer:     q.Offer,
			SKU:       q.SKU,
			Version:   *r.Name,
		})
	}
	return images, nil
}

func (c *Clients) CreateNSG(ctx context.Context, resourceGroup, name, location string) error {
	c.Logger.Info("Creating NSG", "name", name, "resourceGroup", resourceGroup)
	poller, err := c.SecurityGroups.BeginCreateOrUpdate(ctx, resourceGroup, name, BuildNSG(location), nil)
	if err != nil {
		return fmt.Errorf("failed to begin NSG creation: %w", err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("failed to poll NSG creation: %w", err)
	}
	return nil
}

func (c *Clients) CreateNSGRule(ctx context.Context, resourceGroup, nsgName string, rule cloud.SecurityRule) error {
	c.Logger.Info("Creating NSG rule", "nsg", nsgName, "rule", rule.Name, "source", rule.SourcePrefix)
	poller, err := c.SecurityRules.BeginCreateOrUpdate(ctx, resourceGroup, nsgName, rule.Name, BuildSecurityRule(rule), nil)
	if err != nil {
		return fmt.Errorf("failed to begin NSG rule creation: %w", err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("failed to poll NSG rule creation: %w", err)
	}
	return nil
}

// CreateVM creates the VM and the network resources az vm create would
// create for it: a VNet and subnet, a public IP carrying the DNS label and
// a NIC bound to the NSG.
func (c *Clients) CreateVM(ctx context.Context, spec cloud.VMSpec) error {
	log := c.Logger.WithValues("resource", "VM", "name", spec.Name, "resourceGroup", spec.ResourceGroup)
	names := NamesFor(spec.Name)

	subnetID, err := c.ensureSubnet(ctx, spec.ResourceGroup, spec.Location, names)
	if err != nil {
		return err
	}
	pipID, err := c.ensurePublicIP(ctx, spec.ResourceGroup, spec.Location, names.PublicIP, spec.DNSLabel)
	if err != nil {
		return err
	}
	params := NICParams{Location: spec.Location, SubnetID: subnetID, PublicIPID: pipID}
	if spec.NSG != "" {
		if params.NSGID, err = c.nsgID(ctx, spec.ResourceGroup, spec.NSG); err != nil {
			return err
		}
	}
	nicID, err := c.ensureNIC(ctx, spec.ResourceGroup, names.NIC, params)
	if err != nil {
		return err
	}

	sshKey, err := c.sshKey(spec)
	if err != nil {
		return err
	}
	customData := spec.CustomData
	if len(customData) == 0 && spec.CloudInitPath != "" {
		if customData, err = os.ReadFile(spec.CloudInitPath); err != nil {
			return fmt.Errorf("read cloud-init: %w", err)
		}
	}

	vm, err := BuildVM(spec, nicID, bootstrap.EncodeCustomData(customData), sshKey)
	if err != nil {
		return err
	}

	log.Info("Creating VM", "size", spec.Size, "image", spec.Image)
	poller, err := c.VirtualMachines.BeginCreateOrUpdate(ctx, spec.ResourceGroup, spec.Name, vm, nil)
	if err != nil {
		return fmt.Errorf("failed to begin VM creation: %w", err)
	}
	log.Info("Waiting for VM creation to complete")
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("failed to poll VM creation: %w", err)
	}
	return nil
}

func (c *Clients) sshKey(spec cloud.VMSpec) (string, error) {
	if spec.SSHPublicKey != "" {
		return spec.SSHPublicKey, nil
	}
	dir := c.SSHKeyDir
	if dir == "" {
		var err error
		if dir, err = sshkey.DefaultDir(); err != nil {
			return "", err
		}
	}
	kp, err := sshkey.GetOrGenerate(dir, generatedKeyName)
	if err != nil {
		return "", fmt.Errorf("prepare SSH key: %w", err)
	}
	c.Logger.Info("Using generated SSH key", "path", kp.PrivateKeyPath)
	return kp.PublicKey, nil
}

func (c *Clients) VMStatus(ctx context.Context, ref cloud.VMRef) (cloud.VMStatus, error) {
	iv, err := c.VirtualMachines.InstanceView(ctx, ref.ResourceGroup, ref.Name, nil)
	if err != nil {
		return cloud.VMStatus{}, fmt.Errorf("get instance view of %s: %w", ref, err)
	}
	return statusFromInstanceView(iv.Statuses), nil
}

func (c *Clients) AgentStatus(ctx context.Context, ref cloud.VMRef) (string, error) {
	iv, err := c.VirtualMachines.InstanceView(ctx, ref.ResourceGroup, ref.Name, nil)
	if err != nil {
		return "", fmt.Errorf("get instance view of %s: %w", ref, err)
	}
	if iv.VMAgent == nil || len(iv.VMAgent.Statuses) == 0 || iv.VMAgent.Statuses[0] == nil {
		return "", nil
	}
	return deref(iv.VMAgent.Statuses[0].DisplayStatus), nil
}

func statusFromInstanceView(statuses []*armcompute.InstanceViewStatus) cloud.VMStatus {
	var st cloud.VMStatus
	for _, s := range statuses {
		if s == nil {
			continue
		}
		code := deref(s.Code)
		switch {
		case strings.HasPrefix(code, "PowerState/"):
			st.PowerState = cloud.NormalizePowerState(code)
		case strings.HasPrefix(code, "ProvisioningState/"):
			st.ProvisioningState = strings.TrimPrefix(code, "ProvisioningState/")
		}
	}
	return st
}

// SetBootstrapExtension starts the extension deployment and returns without
// polling it.
func (c *Clients) SetBootstrapExtension(ctx context.Context, ref cloud.VMRef, command string) error {
	location := ref.Location
	if location == "" {
		resp, err := c.VirtualMachines.Get(ctx, ref.ResourceGroup, ref.Name, nil)
		if err != nil {
			return fmt.Errorf("failed to get VM %s: %w", ref, err)
		}
		location = deref(resp.Location)
	}

	_, err := c.Extensions.BeginCreateOrUpdate(ctx, ref.ResourceGroup, ref.Name, "CustomScript",
		BuildBootstrapExtension(location, command), nil)
	if err != nil {
		return fmt.Errorf("failed to begin bootstrap extension on %s: %w", ref, err)
	}
	return nil
}

func (c *Clients) RunCommand(ctx context.Context, ref cloud.VMRef, script string) (string, error) {
	poller, err := c.VirtualMachines.BeginRunCommand(ctx, ref.ResourceGroup, ref.Name, armcompute.RunCommandInput{
		CommandID: to.Ptr("RunShellScript"),
		Script:    []*string{to.Ptr(script)},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin run command on %s: %w", ref, err)
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to poll run command on %s: %w", ref, err)
	}
	if len(resp.Value) == 0 || resp.Value[0] == nil {
		return "", nil
	}
	return strings.TrimSpace(deref(resp.Value[0].Message)), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
