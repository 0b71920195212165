package lister

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/vpatelsj/exitnode/internal/cloud"
)

// fakeCloud implements the full cloud.Cloud so the tests can prove the
// lister never reaches a mutating method.
type fakeCloud struct {
	regions []cloud.Region
	vms     []cloud.VM
	ips     map[string][]cloud.PublicIP
	err     error

	ipQueries []string
	mutations []string
}

func (f *fakeCloud) CheckSession(context.Context) error { return nil }

func (f *fakeCloud) ListRegions(context.Context) ([]cloud.Region, error) {
	return f.regions, f.err
}

func (f *fakeCloud) ListVMs(context.Context) ([]cloud.VM, error) {
	return f.vms, f.err
}

func (f *fakeCloud) ListPublicIPs(_ context.Context, rg string) ([]cloud.PublicIP, error) {
	f.ipQueries = append(f.ipQueries, rg)
	return f.ips[rg], nil
}

func (f *fakeCloud) ResourceGroupExists(context.Context, string) (bool, error) {
	return false, nil
}

func (f *fakeCloud) CreateResourceGroup(context.Context, string, string) error {
	f.mutations = append(f.mutations, "CreateResourceGroup")
	return nil
}

func (f *fakeCloud) ListSKUs(context.Context, string) ([]cloud.SKU, error) { return nil, nil }

func (f *fakeCloud) ListImages(context.Context, string, cloud.ImageQuery) ([]cloud.Image, error) {
	return nil, nil
}

func (f *fakeCloud) CreateNSG(context.Context, string, string, string) error {
	f.mutations = append(f.mutations, "CreateNSG")
	return nil
}

func (f *fakeCloud) CreateNSGRule(context.Context, string, string, cloud.SecurityRule) error {
	f.mutations = append(f.mutations, "CreateNSGRule")
	return nil
}

func (f *fakeCloud) CreateVM(context.Context, cloud.VMSpec) error {
	f.mutations = append(f.mutations, "CreateVM")
	return nil
}

func (f *fakeCloud) VMStatus(context.Context, cloud.VMRef) (cloud.VMStatus, error) {
	return cloud.VMStatus{}, nil
}

func (f *fakeCloud) AgentStatus(context.Context, cloud.VMRef) (string, error) { return "", nil }

func (f *fakeCloud) SetBootstrapExtension(context.Context, cloud.VMRef, string) error {
	f.mutations = append(f.mutations, "SetBootstrapExtension")
	return nil
}

func (f *fakeCloud) RunCommand(context.Context, cloud.VMRef, string) (string, error) {
	f.mutations = append(f.mutations, "RunCommand")
	return "", nil
}

var _ cloud.Cloud = (*fakeCloud)(nil)

func TestRegions(t *testing.T) {
	fc := &fakeCloud{regions: []cloud.Region{
		{Name: "eastus", DisplayName: "East US", RegionalDisplayName: "(US) East US"},
		{Name: "westeurope", DisplayName: "West Europe", RegionalDisplayName: "(Europe) West Europe"},
	}}
	var out bytes.Buffer

	require.NoError(t, New(fc, &out, logr.Discard()).Regions(context.Background()))

	text := out.String()
	require.Contains(t, text, "NAME")
	require.Contains(t, text, "REGIONAL NAME")
	require.Contains(t, text, "eastus")
	require.Contains(t, text, "(Europe) West Europe")
	require.Empty(t, fc.mutations)
}

func TestRegions_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, New(&fakeCloud{}, &out, logr.Discard()).Regions(context.Background()))
	require.Equal(t, "No regions found\n", out.String())
}

func TestRegions_Error(t *testing.T) {
	boom := errors.New("az account list-locations exited 1")
	err := New(&fakeCloud{err: boom}, &bytes.Buffer{}, logr.Discard()).Regions(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestVMs(t *testing.T) {
	nic := "/subscriptions/s/resourceGroups/tailscale-exit-eastus/providers/Microsoft.Network/networkInterfaces/exit1VMNic"
	fc := &fakeCloud{
		vms: []cloud.VM{
			{Name: "exit1", ResourceGroup: "tailscale-exit-eastus", Location: "eastus", PowerState: "running", NICIDs: []string{nic}},
			{Name: "private", ResourceGroup: "other", Location: "westus", PowerState: "deallocated"},
		},
		ips: map[string][]cloud.PublicIP{
			"tailscale-exit-eastus": {{
				Name:              "exit1PublicIP",
				IPAddress:         "20.1.2.3",
				FQDN:              "exit1.eastus.cloudapp.azure.com",
				IPConfigurationID: nic + "/ipConfigurations/ipconfigexit1",
			}},
		},
	}
	var out bytes.Buffer

	require.NoError(t, New(fc, &out, logr.Discard()).VMs(context.Background()))

	// One address lookup per VM.
	require.Equal(t, []string{"tailscale-exit-eastus", "other"}, fc.ipQueries)
	require.Empty(t, fc.mutations)

	lines := strings.Split(out.String(), "\n")
	var exitRow, privateRow string
	for _, line := range lines {
		switch {
		case strings.Contains(line, "exit1"):
			exitRow = line
		case strings.Contains(line, "private"):
			privateRow = line
		}
	}
	require.Contains(t, exitRow, "20.1.2.3")
	require.Contains(t, exitRow, "exit1.eastus.cloudapp.azure.com")
	require.Contains(t, exitRow, "running")
	require.Contains(t, privateRow, "deallocated")
	require.NotContains(t, privateRow, "20.1.2.3")
}

func TestVMs_Empty(t *testing.T) {
	var out bytes.Buffer
	fc := &fakeCloud{}
	require.NoError(t, New(fc, &out, logr.Discard()).VMs(context.Background()))
	require.Equal(t, "No VMs found\n", out.String())
	require.Empty(t, fc.ipQueries)
}
