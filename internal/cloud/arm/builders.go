package arm

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"

	"github.com/vpatelsj/exitnode/internal/cloud"
)

const (
	vnetAddressSpace = "10.0.0.0/16"
	subnetPrefix     = "10.0.0.0/24"
)

// Tags returns the standard tags applied to all resources created by exitnode
func Tags() map[string]*string {
	return map[string]*string{
		"managedBy": to.Ptr("exitnode"),
	}
}

// NetworkNames are the per-VM network resources created alongside a VM.
type NetworkNames struct {
	VNet     string
	Subnet   string
	PublicIP string
	NIC      string
}

// NamesFor derives the network resource names for vmName.
func NamesFor(vmName string) NetworkNames {
	return NetworkNames{
		VNet:     vmName + "-vnet",
		Subnet:   vmName + "-subnet",
		PublicIP: vmName + "-pip",
		NIC:      vmName + "-nic",
	}
}

// BuildResourceGroup returns an armresources.ResourceGroup for creating a resource group.
func BuildResourceGroup(location string) armresources.ResourceGroup {
	return armresources.ResourceGroup{
		Location: to.Ptr(location),
		Tags:     Tags(),
	}
}

// BuildNSG returns an empty network security group. Rules are added one at
// a time with BuildSecurityRule.
func BuildNSG(location string) armnetwork.SecurityGroup {
	return armnetwork.SecurityGroup{
		Location: to.Ptr(location),
		Properties: &armnetwork.SecurityGroupPropertiesFormat{
			SecurityRules: []*armnetwork.SecurityRule{},
		},
		Tags: Tags(),
	}
}

// BuildSecurityRule returns an inbound allow rule for rule.
func BuildSecurityRule(rule cloud.SecurityRule) armnetwork.SecurityRule {
	return armnetwork.SecurityRule{
		Name: to.Ptr(rule.Name),
		Properties: &armnetwork.SecurityRulePropertiesFormat{
			Priority:                 to.Ptr(rule.Priority),
			Direction:                to.Ptr(armnetwork.SecurityRuleDirectionInbound),
			Access:                   to.Ptr(armnetwork.SecurityRuleAccessAllow),
			Protocol:                 to.Ptr(armnetwork.SecurityRuleProtocol(rule.Protocol)),
			SourceAddressPrefix:      to.Ptr(rule.SourcePrefix),
			SourcePortRange:          to.Ptr("*"),
			DestinationAddressPrefix: to.Ptr("*"),
			DestinationPortRange:     to.Ptr(fmt.Sprint(rule.DestinationPort)),
		},
	}
}

// BuildVNet returns an armnetwork.VirtualNetwork for creating a virtual network.
func BuildVNet(location string) armnetwork.VirtualNetwork {
	return armnetwork.VirtualNetwork{
		Location: to.Ptr(location),
		Properties: &armnetwork.VirtualNetworkPropertiesFormat{
			AddressSpace: &armnetwork.AddressSpace{
				AddressPrefixes: []*string{to.Ptr(vnetAddressSpace)},
			},
		},
		Tags: Tags(),
	}
}

// BuildSubnet returns an armnetwork.Subnet for creating a subnet.
func BuildSubnet() armnetwork.Subnet {
	return armnetwork.Subnet{
		Properties: &armnetwork.SubnetPropertiesFormat{
			AddressPrefix: to.Ptr(subnetPrefix),
		},
	}
}

// BuildPublicIP returns a static Standard public IP. A non-empty dnsLabel
// gives it <dnsLabel>.<region>.cloudapp.azure.com.
func BuildPublicIP(location, dnsLabel string) armnetwork.PublicIPAddress {
	pip := armnetwork.PublicIPAddress{
		Location: to.Ptr(location),
		SKU: &armnetwork.PublicIPAddressSKU{
			Name: to.Ptr(armnetwork.PublicIPAddressSKUNameStandard),
			Tier: to.Ptr(armnetwork.PublicIPAddressSKUTierRegional),
		},
		Properties: &armnetwork.PublicIPAddressPropertiesFormat{
			PublicIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodStatic),
		},
		Tags: Tags(),
	}
	if dnsLabel != "" {
		pip.Properties.DNSSettings = &armnetwork.PublicIPAddressDNSSettings{
			DomainNameLabel: to.Ptr(dnsLabel),
		}
	}
	return pip
}

// NICParams holds parameters for building a network interface
type NICParams struct {
	Location   string
	SubnetID   string
	PublicIPID string // Optional - if empty, no public IP is associated
	NSGID      string // Optional - if empty, no NSG is associated at NIC level
}

// BuildNIC returns an armnetwork.Interface for creating a network interface.
func BuildNIC(params NICParams) armnetwork.Interface {
	ipConfig := &armnetwork.InterfaceIPConfiguration{
		Name: to.Ptr("ipconfig1"),
		Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
			Subnet: &armnetwork.Subnet{
				ID: to.Ptr(params.SubnetID),
			},
			PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodDynamic),
		},
	}

	if params.PublicIPID != "" {
		ipConfig.Properties.PublicIPAddress = &armnetwork.PublicIPAddress{
			ID: to.Ptr(params.PublicIPID),
		}
	}

	nic := armnetwork.Interface{
		Location: to.Ptr(params.Location),
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: []*armnetwork.InterfaceIPConfiguration{ipConfig},
		},
		Tags: Tags(),
	}

	if params.NSGID != "" {
		nic.Properties.NetworkSecurityGroup = &armnetwork.SecurityGroup{
			ID: to.Ptr(params.NSGID),
		}
	}

	return nic
}

// BuildVM returns the VM described by spec attached to nicID. customData
// must already be base64-encoded; sshKey is an authorized_keys line.
func BuildVM(spec cloud.VMSpec, nicID, customData, sshKey string) (armcompute.VirtualMachine, error) {
	img, err := cloud.ParseURN(spec.Image)
	if err != nil {
		return armcompute.VirtualMachine{}, err
	}

	osDisk := &armcompute.OSDisk{
		Name:         to.Ptr(spec.Name + "-osdisk"),
		CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesFromImage),
		Caching:      to.Ptr(armcompute.CachingTypesReadWrite),
		DeleteOption: to.Ptr(armcompute.DiskDeleteOptionTypesDelete),
		ManagedDisk: &armcompute.ManagedDiskParameters{
			StorageAccountType: to.Ptr(armcompute.StorageAccountTypesStandardSSDLRS),
		},
	}
	if spec.OSDiskSizeGB > 0 {
		osDisk.DiskSizeGB = to.Ptr(spec.OSDiskSizeGB)
	}

	vm := armcompute.VirtualMachine{
		Location: to.Ptr(spec.Location),
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(spec.Size)),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: &armcompute.ImageReference{
					Publisher: to.Ptr(img.Publisher),
					Offer:     to.Ptr(img.Offer),
					SKU:       to.Ptr(img.SKU),
					Version:   to.Ptr(img.Version),
				},
				OSDisk: osDisk,
			},
			OSProfile: &armcompute.OSProfile{
				ComputerName:  to.Ptr(spec.Name),
				AdminUsername: to.Ptr(spec.AdminUsername),
				LinuxConfiguration: &armcompute.LinuxConfiguration{
					DisablePasswordAuthentication: to.Ptr(true),
					SSH: &armcompute.SSHConfiguration{
						PublicKeys: []*armcompute.SSHPublicKey{
							{
								Path:    to.Ptr(fmt.Sprintf("/home/%s/.ssh/authorized_keys", spec.AdminUsername)),
								KeyData: to.Ptr(sshKey),
							},
						},
					},
				},
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{
					{
						ID: to.Ptr(nicID),
						Properties: &armcompute.NetworkInterfaceReferenceProperties{
							Primary: to.Ptr(true),
						},
					},
				},
			},
		},
		Tags: Tags(),
	}

	if customData != "" {
		vm.Properties.OSProfile.CustomData = to.Ptr(customData)
	}

	return vm, nil
}

// BuildBootstrapExtension returns the CustomScript extension that runs
// command. The command is a protected setting so it is encrypted at rest
// and never echoed back by the API.
func BuildBootstrapExtension(location, command string) armcompute.VirtualMachineExtension {
	return armcompute.VirtualMachineExtension{
		Location: to.Ptr(location),
		Properties: &armcompute.VirtualMachineExtensionProperties{
			Publisher:               to.Ptr("Microsoft.Azure.Extensions"),
			Type:                    to.Ptr("CustomScript"),
			TypeHandlerVersion:      to.Ptr("2.1"),
			AutoUpgradeMinorVersion: to.Ptr(true),
			ProtectedSettings: map[string]any{
				"commandToExecute": command,
			},
		},
		Tags: Tags(),
	}
}
