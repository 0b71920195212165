package arm

import (
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"

	"github.com/vpatelsj/exitnode/internal/cloud"
)

func TestTags(t *testing.T) {
	tags := Tags()
	if tags["managedBy"] == nil || *tags["managedBy"] != "exitnode" {
		t.Errorf("managedBy tag should be 'exitnode', got %v", tags["managedBy"])
	}
}

func TestBuildResourceGroup(t *testing.T) {
	rg := BuildResourceGroup("eastus")

	if rg.Location == nil || *rg.Location != "eastus" {
		t.Errorf("Location should be 'eastus', got %v", rg.Location)
	}
	if rg.Tags["managedBy"] == nil {
		t.Error("Tags should include managedBy")
	}
}

func TestBuildNSG(t *testing.T) {
	nsg := BuildNSG("canadacentral")

	if nsg.Location == nil || *nsg.Location != "canadacentral" {
		t.Errorf("Location should be 'canadacentral', got %v", nsg.Location)
	}
	if nsg.Properties == nil {
		t.Fatal("Properties should not be nil")
	}
	if len(nsg.Properties.SecurityRules) != 0 {
		t.Errorf("new NSG should carry no rules, got %d", len(nsg.Properties.SecurityRules))
	}
}

func TestBuildSecurityRule(t *testing.T) {
	rule := BuildSecurityRule(cloud.SSHRule("198.51.100.4"))

	if rule.Name == nil || *rule.Name != "AllowSSHFromCaller" {
		t.Errorf("Name = %v", rule.Name)
	}
	p := rule.Properties
	if p == nil {
		t.Fatal("Properties should not be nil")
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"priority", *p.Priority, int32(1000)},
		{"direction", *p.Direction, armnetwork.SecurityRuleDirectionInbound},
		{"access", *p.Access, armnetwork.SecurityRuleAccessAllow},
		{"protocol", *p.Protocol, armnetwork.SecurityRuleProtocolTCP},
		{"source", *p.SourceAddressPrefix, "198.51.100.4/32"},
		{"source port", *p.SourcePortRange, "*"},
		{"destination", *p.DestinationAddressPrefix, "*"},
		{"destination port", *p.DestinationPortRange, "22"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestBuildPublicIP(t *testing.T) {
	t.Run("with_dns_label", func(t *testing.T) {
		pip := BuildPublicIP("eastus", "exit-nyc")

		if *pip.SKU.Name != armnetwork.PublicIPAddressSKUNameStandard {
			t.Errorf("SKU should be Standard, got %v", *pip.SKU.Name)
		}
		if *pip.Properties.PublicIPAllocationMethod != armnetwork.IPAllocationMethodStatic {
			t.Errorf("allocation should be Static, got %v", *pip.Properties.PublicIPAllocationMethod)
		}
		if pip.Properties.DNSSettings == nil || *pip.Properties.DNSSettings.DomainNameLabel != "exit-nyc" {
			t.Errorf("DNS label not set: %+v", pip.Properties.DNSSettings)
		}
	})

	t.Run("without_dns_label", func(t *testing.T) {
		pip := BuildPublicIP("eastus", "")
		if pip.Properties.DNSSettings != nil {
			t.Error("DNSSettings should be nil without a label")
		}
	})
}

func TestBuildNIC(t *testing.T) {
	t.Run("with_public_ip_and_nsg", func(t *testing.T) {
		nic := BuildNIC(NICParams{
			Location:   "eastus",
			SubnetID:   "/subnets/s",
			PublicIPID: "/publicIPAddresses/p",
			NSGID:      "/networkSecurityGroups/n",
		})

		ipc := nic.Properties.IPConfigurations
		if len(ipc) != 1 {
			t.Fatalf("expected 1 IP configuration, got %d", len(ipc))
		}
		if *ipc[0].Properties.Subnet.ID != "/subnets/s" {
			t.Errorf("subnet = %v", *ipc[0].Properties.Subnet.ID)
		}
		if ipc[0].Properties.PublicIPAddress == nil || *ipc[0].Properties.PublicIPAddress.ID != "/publicIPAddresses/p" {
			t.Error("public IP not attached")
		}
		if nic.Properties.NetworkSecurityGroup == nil || *nic.Properties.NetworkSecurityGroup.ID != "/networkSecurityGroups/n" {
			t.Error("NSG not attached")
		}
	})

	t.Run("without_optional", func(t *testing.T) {
		nic := BuildNIC(NICParams{Location: "eastus", SubnetID: "/subnets/s"})

		if nic.Properties.IPConfigurations[0].Properties.PublicIPAddress != nil {
			t.Error("PublicIPAddress should be nil")
		}
		if nic.Properties.NetworkSecurityGroup != nil {
			t.Error("NetworkSecurityGroup should be nil")
		}
	})
}

func testSpec() cloud.VMSpec {
	return cloud.VMSpec{
		Name:          "exit-nyc",
		ResourceGroup: "tailscale-exit-eastus",
		Location:      "eastus",
		Size:          "Standard_B1s",
		Image:         "Canonical:ubuntu-24_04-lts:server:24.04.202410010",
		AdminUsername: "azureuser",
		OSDiskSizeGB:  30,
	}
}

func TestBuildVM(t *testing.T) {
	vm, err := BuildVM(testSpec(), "/nic/id", "I2Nsb3VkLWNvbmZpZwo=", "ssh-ed25519 AAAA test")
	if err != nil {
		t.Fatalf("BuildVM() error = %v", err)
	}

	props := vm.Properties
	if *props.HardwareProfile.VMSize != armcompute.VirtualMachineSizeTypes("Standard_B1s") {
		t.Errorf("VMSize = %v", *props.HardwareProfile.VMSize)
	}

	ref := props.StorageProfile.ImageReference
	gotImage := []string{*ref.Publisher, *ref.Offer, *ref.SKU, *ref.Version}
	wantImage := []string{"Canonical", "ubuntu-24_04-lts", "server", "24.04.202410010"}
	for i := range wantImage {
		if gotImage[i] != wantImage[i] {
			t.Errorf("image part %d = %s, want %s", i, gotImage[i], wantImage[i])
		}
	}

	if props.StorageProfile.OSDisk.DiskSizeGB == nil || *props.StorageProfile.OSDisk.DiskSizeGB != 30 {
		t.Errorf("DiskSizeGB = %v, want 30", props.StorageProfile.OSDisk.DiskSizeGB)
	}

	osp := props.OSProfile
	if *osp.AdminUsername != "azureuser" || *osp.ComputerName != "exit-nyc" {
		t.Errorf("OS profile = %s@%s", *osp.AdminUsername, *osp.ComputerName)
	}
	if !*osp.LinuxConfiguration.DisablePasswordAuthentication {
		t.Error("password authentication should be disabled")
	}
	key := osp.LinuxConfiguration.SSH.PublicKeys[0]
	if *key.Path != "/home/azureuser/.ssh/authorized_keys" || *key.KeyData != "ssh-ed25519 AAAA test" {
		t.Errorf("ssh key = %s %s", *key.Path, *key.KeyData)
	}
	if osp.CustomData == nil || *osp.CustomData != "I2Nsb3VkLWNvbmZpZwo=" {
		t.Errorf("CustomData = %v", osp.CustomData)
	}

	nics := props.NetworkProfile.NetworkInterfaces
	if len(nics) != 1 || *nics[0].ID != "/nic/id" || !*nics[0].Properties.Primary {
		t.Error("NIC should be attached as primary")
	}
}

func TestBuildVM_Defaults(t *testing.T) {
	spec := testSpec()
	spec.OSDiskSizeGB = 0

	vm, err := BuildVM(spec, "/nic/id", "", "ssh-ed25519 AAAA")
	if err != nil {
		t.Fatal(err)
	}
	if vm.Properties.StorageProfile.OSDisk.DiskSizeGB != nil {
		t.Error("zero disk size should leave the image default")
	}
	if vm.Properties.OSProfile.CustomData != nil {
		t.Error("CustomData should be nil when empty")
	}
}

func TestBuildVM_BadImage(t *testing.T) {
	spec := testSpec()
	spec.Image = "Ubuntu2404"
	if _, err := BuildVM(spec, "/nic/id", "", "k"); err == nil {
		t.Fatal("expected error for image alias")
	}
}

func TestBuildBootstrapExtension(t *testing.T) {
	ext := BuildBootstrapExtension("eastus", "echo hi")

	p := ext.Properties
	if *p.Publisher != "Microsoft.Azure.Extensions" || *p.Type != "CustomScript" || *p.TypeHandlerVersion != "2.1" {
		t.Errorf("extension = %s/%s %s", *p.Publisher, *p.Type, *p.TypeHandlerVersion)
	}
	if p.Settings != nil {
		t.Error("command must not be in public settings")
	}
	protected, ok := p.ProtectedSettings.(map[string]any)
	if !ok || protected["commandToExecute"] != "echo hi" {
		t.Errorf("ProtectedSettings = %v", p.ProtectedSettings)
	}
}

func TestStatusFromInstanceView(t *testing.T) {
	st := statusFromInstanceView([]*armcompute.InstanceViewStatus{
		{Code: to.Ptr("ProvisioningState/succeeded")},
		nil,
		{Code: to.Ptr("PowerState/running"), DisplayStatus: to.Ptr("VM running")},
	})
	if !st.Ready() {
		t.Errorf("status %v should be ready", st)
	}

	st = statusFromInstanceView([]*armcompute.InstanceViewStatus{
		{Code: to.Ptr("ProvisioningState/updating")},
		{Code: to.Ptr("PowerState/running")},
	})
	if st.Ready() {
		t.Errorf("status %v should not be ready", st)
	}
}

func TestSKUFromResource(t *testing.T) {
	r := &armcompute.ResourceSKU{
		Name:   to.Ptr("Standard_B1ms"),
		Family: to.Ptr("standardBSFamily"),
		Capabilities: []*armcompute.ResourceSKUCapabilities{
			{Name: to.Ptr("vCPUs"), Value: to.Ptr("1")},
			{Name: to.Ptr("MemoryGB"), Value: to.Ptr("2")},
			{Name: to.Ptr("MaxDataDiskCount"), Value: to.Ptr("4")},
		},
		Restrictions: []*armcompute.ResourceSKURestrictions{
			{Type: to.Ptr(armcompute.ResourceSKURestrictionsTypeZone)},
		},
	}
	got := skuFromResource(r)
	want := cloud.SKU{Name: "Standard_B1ms", Family: "standardBSFamily", VCPUs: 1, MemoryGB: 2}
	if got != want {
		t.Errorf("skuFromResource() = %+v, want %+v", got, want)
	}

	r.Restrictions = append(r.Restrictions, &armcompute.ResourceSKURestrictions{
		Type: to.Ptr(armcompute.ResourceSKURestrictionsTypeLocation),
	})
	if !skuFromResource(r).Restricted {
		t.Error("location restriction should mark the SKU restricted")
	}
}

func TestVMFromResource(t *testing.T) {
	id := "/subscriptions/00000000-0000-0000-0000-000000000000/resourceGroups/tailscale-exit-eastus/providers/Microsoft.Compute/virtualMachines/exit-nyc"
	v := &armcompute.VirtualMachine{
		ID:       to.Ptr(id),
		Name:     to.Ptr("exit-nyc"),
		Location: to.Ptr("eastus"),
		Properties: &armcompute.VirtualMachineProperties{
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{ID: to.Ptr("/nic/exit-nyc-nic")}},
			},
		},
	}
	vm, err := vmFromResource(v)
	if err != nil {
		t.Fatal(err)
	}
	if vm.ResourceGroup != "tailscale-exit-eastus" || vm.Name != "exit-nyc" || len(vm.NICIDs) != 1 {
		t.Errorf("vmFromResource() = %+v", vm)
	}
}

func TestNamesFor(t *testing.T) {
	n := NamesFor("exit-nyc")
	if n.VNet != "exit-nyc-vnet" || n.Subnet != "exit-nyc-subnet" || n.PublicIP != "exit-nyc-pip" || n.NIC != "exit-nyc-nic" {
		t.Errorf("NamesFor() = %+v", n)
	}
}
