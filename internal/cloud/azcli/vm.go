package azcli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vpatelsj/exitnode/internal/cloud"
)

// ResourceGroupExists reports whether the resource group exists.
func (c *Client) ResourceGroupExists(ctx context.Context, name string) (bool, error) {
	out, err := c.runner.Run(ctx, "group", "exists", "--name", name)
	if err != nil {
		return false, fmt.Errorf("check resource group %s: %w", name, err)
	}
	exists, err := strconv.ParseBool(strings.TrimSpace(string(out)))
	if err != nil {
		return false, fmt.Errorf("unexpected az group exists output %q", strings.TrimSpace(string(out)))
	}
	return exists, nil
}

func (c *Client) CreateResourceGroup(ctx context.Context, name, location string) error {
	if _, err := c.runner.Run(ctx, "group", "create", "--name", name, "--location", location, "-o", "none"); err != nil {
		return fmt.Errorf("create resource group %s: %w", name, err)
	}
	return nil
}

func (c *Client) CreateNSG(ctx context.Context, resourceGroup, name, location string) error {
	_, err := c.runner.Run(ctx, "network", "nsg", "create",
		"--resource-group", resourceGroup,
		"--name", name,
		"--location", location,
		"-o", "none",
	)
	if err != nil {
		return fmt.Errorf("create NSG %s: %w", name, err)
	}
	return nil
}

func (c *Client) CreateNSGRule(ctx context.Context, resourceGroup, nsgName string, rule cloud.SecurityRule) error {
	_, err := c.runner.Run(ctx, "network", "nsg", "rule", "create",
		"--resource-group", resourceGroup,
		"--nsg-name", nsgName,
		"--name", rule.Name,
		"--priority", strconv.Itoa(int(rule.Priority)),
		"--direction", "Inbound",
		"--access", "Allow",
		"--protocol", rule.Protocol,
		"--source-address-prefixes", rule.SourcePrefix,
		"--destination-port-ranges", strconv.Itoa(rule.DestinationPort),
		"-o", "none",
	)
	if err != nil {
		return fmt.Errorf("create NSG rule %s: %w", rule.Name, err)
	}
	return nil
}

// CreateVM creates the VM and blocks until az reports it created. Without
// an SSH key in spec, az generates or reuses ~/.ssh/id_rsa.
func (c *Client) CreateVM(ctx context.Context, spec cloud.VMSpec) error {
	customData := spec.CloudInitPath
	if customData == "" && len(spec.CustomData) > 0 {
		path, cleanup, err := c.writeTemp("custom-data-*.yaml", spec.CustomData)
		if err != nil {
			return err
		}
		defer cleanup()
		customData = path
	}

	args := []string{"vm", "create",
		"--resource-group", spec.ResourceGroup,
		"--name", spec.Name,
		"--location", spec.Location,
		"--image", spec.Image,
		"--size", spec.Size,
		"--admin-username", spec.AdminUsername,
		"--public-ip-sku", "Standard",
	}
	if spec.OSDiskSizeGB > 0 {
		args = append(args, "--os-disk-size-gb", strconv.Itoa(int(spec.OSDiskSizeGB)))
	}
	if customData != "" {
		args = append(args, "--custom-data", customData)
	}
	if spec.SSHPublicKey != "" {
		args = append(args, "--ssh-key-values", spec.SSHPublicKey)
	} else {
		args = append(args, "--generate-ssh-keys")
	}
	if spec.NSG != "" {
		args = append(args, "--nsg", spec.NSG)
	}
	if spec.DNSLabel != "" {
		args = append(args, "--public-ip-address-dns-name", spec.DNSLabel)
	}
	args = append(args, "-o", "json")

	if _, err := c.runner.Run(ctx, args...); err != nil {
		return fmt.Errorf("create VM %s: %w", spec.Ref(), err)
	}
	return nil
}

type instanceViewJSON struct {
	ProvisioningState string `json:"provisioningState"`
	InstanceView      struct {
		Statuses []statusJSON `json:"statuses"`
		VMAgent  *struct {
			Statuses []statusJSON `json:"statuses"`
		} `json:"vmAgent"`
	} `json:"instanceView"`
}

type statusJSON struct {
	Code          string `json:"code"`
	DisplayStatus string `json:"displayStatus"`
}

func (c *Client) instanceView(ctx context.Context, ref cloud.VMRef) (*instanceViewJSON, error) {
	var iv instanceViewJSON
	err := c.runJSON(ctx, &iv, "vm", "get-instance-view",
		"--resource-group", ref.ResourceGroup,
		"--name", ref.Name,
		"-o", "json",
	)
	if err != nil {
		return nil, fmt.Errorf("get instance view of %s: %w", ref, err)
	}
	return &iv, nil
}

// VMStatus reads the power and provisioning state from one instance view.
func (c *Client) VMStatus(ctx context.Context, ref cloud.VMRef) (cloud.VMStatus, error) {
	iv, err := c.instanceView(ctx, ref)
	if err != nil {
		return cloud.VMStatus{}, err
	}

	st := cloud.VMStatus{ProvisioningState: iv.ProvisioningState}
	for _, s := range iv.InstanceView.Statuses {
		switch {
		case strings.HasPrefix(s.Code, "PowerState/"):
			st.PowerState = cloud.NormalizePowerState(s.Code)
		case strings.HasPrefix(s.Code, "ProvisioningState/") && st.ProvisioningState == "":
			st.ProvisioningState = strings.TrimPrefix(s.Code, "ProvisioningState/")
		}
	}
	return st, nil
}

// AgentStatus returns the display status reported by the VM agent, "" when
// the agent has not reported yet.
func (c *Client) AgentStatus(ctx context.Context, ref cloud.VMRef) (string, error) {
	iv, err := c.instanceView(ctx, ref)
	if err != nil {
		return "", err
	}
	if iv.InstanceView.VMAgent == nil || len(iv.InstanceView.VMAgent.Statuses) == 0 {
		return "", nil
	}
	return iv.InstanceView.VMAgent.Statuses[0].DisplayStatus, nil
}

// SetBootstrapExtension sets the CustomScript extension with command as a
// protected setting and returns without waiting for it to run. The settings
// go through a 0600 file so command never appears in a process listing.
func (c *Client) SetBootstrapExtension(ctx context.Context, ref cloud.VMRef, command string) error {
	settings, err := json.Marshal(map[string]string{"commandToExecute": command})
	if err != nil {
		return fmt.Errorf("encode protected settings: %w", err)
	}
	path, cleanup, err := c.writeTemp("protected-settings-*.json", settings)
	if err != nil {
		return err
	}
	defer cleanup()

	_, err = c.runner.Run(ctx, "vm", "extension", "set",
		"--resource-group", ref.ResourceGroup,
		"--vm-name", ref.Name,
		"--name", "CustomScript",
		"--publisher", "Microsoft.Azure.Extensions",
		"--version", "2.1",
		"--protected-settings", "@"+path,
		"--no-wait",
		"-o", "none",
	)
	if err != nil {
		return fmt.Errorf("set bootstrap extension on %s: %w", ref, err)
	}
	return nil
}

// RunCommand runs script through RunShellScript and returns the message of
// the first result.
func (c *Client) RunCommand(ctx context.Context, ref cloud.VMRef, script string) (string, error) {
	out, err := c.runner.Run(ctx, "vm", "run-command", "invoke",
		"--resource-group", ref.ResourceGroup,
		"--name", ref.Name,
		"--command-id", "RunShellScript",
		"--scripts", script,
		"--query", "value[0].message",
		"-o", "tsv",
	)
	if err != nil {
		return "", fmt.Errorf("run command on %s: %w", ref, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *Client) writeTemp(pattern string, data []byte) (string, func(), error) {
	f, err := os.CreateTemp(c.tempDir, "exitnode-"+pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), cleanup, nil
}
