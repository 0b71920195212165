package arm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// isNotFound checks if the error is an Azure 404 Not Found response
func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

// ensureSubnet creates the VM's virtual network and subnet if they don't
// exist and returns the subnet ID.
func (c *Clients) ensureSubnet(ctx context.Context, resourceGroup, location string, names NetworkNames) (string, error) {
	log := c.Logger.WithValues("resource", "VNet", "name", names.VNet, "resourceGroup", resourceGroup)

	_, err := c.VirtualNetworks.Get(ctx, resourceGroup, names.VNet, nil)
	switch {
	case err == nil:
		log.V(1).Info("VNet already exists")
	case !isNotFound(err):
		return "", fmt.Errorf("failed to get VNet: %w", err)
	default:
		log.Info("Creating VNet", "addressSpace", vnetAddressSpace)
		poller, err := c.VirtualNetworks.BeginCreateOrUpdate(ctx, resourceGroup, names.VNet, BuildVNet(location), nil)
		if err != nil {
			return "", fmt.Errorf("failed to begin VNet creation: %w", err)
		}
		if _, err := poller.PollUntilDone(ctx, nil); err != nil {
			return "", fmt.Errorf("failed to poll VNet creation: %w", err)
		}
	}

	subnetResp, err := c.Subnets.Get(ctx, resourceGroup, names.VNet, names.Subnet, nil)
	if err == nil {
		return *subnetResp.Subnet.ID, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("failed to get subnet: %w", err)
	}

	log.Info("Creating subnet", "subnet", names.Subnet, "prefix", subnetPrefix)
	poller, err := c.Subnets.BeginCreateOrUpdate(ctx, resourceGroup, names.VNet, names.Subnet, BuildSubnet(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin subnet creation: %w", err)
	}
	created, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to poll subnet creation: %w", err)
	}
	return *created.Subnet.ID, nil
}

// ensurePublicIP creates the VM's static public IP if it doesn't exist and
// returns its ID.
func (c *Clients) ensurePublicIP(ctx context.Context, resourceGroup, location, name, dnsLabel string) (string, error) {
	log := c.Logger.WithValues("resource", "PublicIP", "name", name, "resourceGroup", resourceGroup)

	resp, err := c.PublicIPs.Get(ctx, resourceGroup, name, nil)
	if err == nil {
		log.V(1).Info("Public IP already exists")
		return *resp.PublicIPAddress.ID, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("failed to get public IP: %w", err)
	}

	log.Info("Creating static public IP", "dnsLabel", dnsLabel)
	poller, err := c.PublicIPs.BeginCreateOrUpdate(ctx, resourceGroup, name, BuildPublicIP(location, dnsLabel), nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin public IP creation: %w", err)
	}
	created, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to poll public IP creation: %w", err)
	}
	return *created.PublicIPAddress.ID, nil
}

// ensureNIC creates the VM's network interface if it doesn't exist and
// returns its ID.
func (c *Clients) ensureNIC(ctx context.Context, resourceGroup, name string, params NICParams) (string, error) {
	log := c.Logger.WithValues("resource", "NIC", "name", name, "resourceGroup", resourceGroup)

	resp, err := c.Interfaces.Get(ctx, resourceGroup, name, nil)
	if err == nil {
		log.V(1).Info("NIC already exists")
		return *resp.Interface.ID, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("failed to get NIC: %w", err)
	}

	log.Info("Creating NIC", "nsgID", params.NSGID)
	poller, err := c.Interfaces.BeginCreateOrUpdate(ctx, resourceGroup, name, BuildNIC(params), nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin NIC creation: %w", err)
	}
	created, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to poll NIC creation: %w", err)
	}
	return *created.Interface.ID, nil
}

// nsgID returns the ID of an existing network security group.
func (c *Clients) nsgID(ctx context.Context, resourceGroup, name string) (string, error) {
	resp, err := c.SecurityGroups.Get(ctx, resourceGroup, name, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get NSG %s: %w", name, err)
	}
	return *resp.SecurityGroup.ID, nil
}
