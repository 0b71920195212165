// Package arm implements cloud.Cloud against Azure Resource Manager with the
// Azure SDK for Go.
package arm

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"
	"github.com/go-logr/logr"
)

const managementScope = "https://management.azure.com/.default"

// Clients holds all Azure ARM clients needed for provisioning
type Clients struct {
	Credential     azcore.TokenCredential
	SubscriptionID string
	Logger         logr.Logger

	Subscriptions   *armsubscriptions.Client
	ResourceGroups  *armresources.ResourceGroupsClient
	VirtualNetworks *armnetwork.VirtualNetworksClient
	Subnets         *armnetwork.SubnetsClient
	SecurityGroups  *armnetwork.SecurityGroupsClient
	SecurityRules   *armnetwork.SecurityRulesClient
	PublicIPs       *armnetwork.PublicIPAddressesClient
	Interfaces      *armnetwork.InterfacesClient
	VirtualMachines *armcompute.VirtualMachinesClient
	Extensions      *armcompute.VirtualMachineExtensionsClient
	ResourceSKUs    *armcompute.ResourceSKUsClient
	Images          *armcompute.VirtualMachineImagesClient

	// SSHKeyDir is where a keypair is generated when a VM spec carries no
	// public key. Empty means ~/.ssh.
	SSHKeyDir string
}

// NewCredential returns the credential chain used by the arm backend: the
// Azure CLI login when one exists, otherwise a device code flow whose
// instructions are written to prompt.
func NewCredential(tenantID string, prompt io.Writer) (azcore.TokenCredential, error) {
	cliCred, err := azidentity.NewAzureCLICredential(&azidentity.AzureCLICredentialOptions{
		TenantID: tenantID,
	})
	if err != nil {
		return nil, fmt.Errorf("create Azure CLI credential: %w", err)
	}

	deviceCred, err := azidentity.NewDeviceCodeCredential(&azidentity.DeviceCodeCredentialOptions{
		TenantID: tenantID,
		UserPrompt: func(_ context.Context, msg azidentity.DeviceCodeMessage) error {
			_, err := fmt.Fprintln(prompt, msg.Message)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create device code credential: %w", err)
	}

	return azidentity.NewChainedTokenCredential([]azcore.TokenCredential{cliCred, deviceCred}, nil)
}

// NewClients creates Azure ARM clients for subscriptionID using cred.
func NewClients(subscriptionID string, cred azcore.TokenCredential, logger logr.Logger) (*Clients, error) {
	subscriptionsClient, err := armsubscriptions.NewClient(cred, nil)
	if err != nil {
		return nil, err
	}

	resourceGroupsClient, err := armresources.NewResourceGroupsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}

	vnetClient, err := armnetwork.NewVirtualNetworksClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}

	subnetClient, err := armnetwork.NewSubnetsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}

	nsgClient, err := armnetwork.NewSecurityGroupsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}

	ruleClient, err := armnetwork.NewSecurityRulesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}

	publicIPClient, err := armnetwork.NewPublicIPAddressesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}

	nicClient, err := armnetwork.NewInterfacesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}

	vmClient, err := armcompute.NewVirtualMachinesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}

	extClient, err := armcompute.NewVirtualMachineExtensionsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}

	skuClient, err := armcompute.NewResourceSKUsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}

	imageClient, err := armcompute.NewVirtualMachineImagesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}

	return &Clients{
		Credential:      cred,
		SubscriptionID:  subscriptionID,
		Logger:          logger,
		Subscriptions:   subscriptionsClient,
		ResourceGroups:  resourceGroupsClient,
		VirtualNetworks: vnetClient,
		Subnets:         subnetClient,
		SecurityGroups:  nsgClient,
		SecurityRules:   ruleClient,
		PublicIPs:       publicIPClient,
		Interfaces:      nicClient,
		VirtualMachines: vmClient,
		Extensions:      extClient,
		ResourceSKUs:    skuClient,
		Images:          imageClient,
	}, nil
}

// CheckSession requests a management-plane token, which runs the device
// code flow when there is no CLI login.
func (c *Clients) CheckSession(ctx context.Context) error {
	if _, err := c.Credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{managementScope}}); err != nil {
		return fmt.Errorf("authenticate to Azure: %w", err)
	}
	return nil
}
