package cloud

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSelectSize(t *testing.T) {
	limits := SizeLimits{Family: "standardBSFamily", MaxVCPUs: 2, MaxMemoryGB: 2}

	tests := []struct {
		name         string
		skus         []SKU
		want         string
		wantSelected bool
	}{
		{
			name: "smallest memory wins",
			skus: []SKU{
				{Name: "Standard_B1s", Family: "standardBSFamily", VCPUs: 1, MemoryGB: 1},
				{Name: "Standard_B2s", Family: "standardBSFamily", VCPUs: 2, MemoryGB: 2},
				{Name: "Standard_B2ms", Family: "standardBSFamily", VCPUs: 4, MemoryGB: 4},
			},
			want:         "Standard_B1s",
			wantSelected: true,
		},
		{
			name: "order does not matter",
			skus: []SKU{
				{Name: "Standard_B2ms", Family: "standardBSFamily", VCPUs: 4, MemoryGB: 4},
				{Name: "Standard_B2s", Family: "standardBSFamily", VCPUs: 2, MemoryGB: 2},
				{Name: "Standard_B1ls", Family: "standardBSFamily", VCPUs: 1, MemoryGB: 0.5},
			},
			want:         "Standard_B1ls",
			wantSelected: true,
		},
		{
			name: "vcpu limit excludes low memory sku",
			skus: []SKU{
				{Name: "Weird", Family: "standardBSFamily", VCPUs: 4, MemoryGB: 0.5},
				{Name: "Standard_B2s", Family: "standardBSFamily", VCPUs: 2, MemoryGB: 2},
			},
			want:         "Standard_B2s",
			wantSelected: true,
		},
		{
			name: "other families ignored",
			skus: []SKU{
				{Name: "Standard_A1_v2", Family: "standardAv2Family", VCPUs: 1, MemoryGB: 2},
			},
			want:         DefaultFallbackSize,
			wantSelected: false,
		},
		{
			name: "restricted skus ignored",
			skus: []SKU{
				{Name: "Standard_B1s", Family: "standardBSFamily", VCPUs: 1, MemoryGB: 1, Restricted: true},
				{Name: "Standard_B2s", Family: "standardBSFamily", VCPUs: 2, MemoryGB: 2},
			},
			want:         "Standard_B2s",
			wantSelected: true,
		},
		{
			name: "tie on memory prefers fewer vcpus",
			skus: []SKU{
				{Name: "Standard_B2ats_v2", Family: "standardBSFamily", VCPUs: 2, MemoryGB: 1},
				{Name: "Standard_B1s", Family: "standardBSFamily", VCPUs: 1, MemoryGB: 1},
			},
			want:         "Standard_B1s",
			wantSelected: true,
		},
		{
			name:         "empty catalog falls back",
			skus:         nil,
			want:         DefaultFallbackSize,
			wantSelected: false,
		},
		{
			name: "nothing under limits falls back",
			skus: []SKU{
				{Name: "Standard_B4ms", Family: "standardBSFamily", VCPUs: 4, MemoryGB: 16},
			},
			want:         DefaultFallbackSize,
			wantSelected: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, selected := SelectSize(tc.skus, limits, DefaultFallbackSize)
			if got != tc.want {
				t.Errorf("SelectSize() = %q, want %q", got, tc.want)
			}
			if selected != tc.wantSelected {
				t.Errorf("SelectSize() selected = %v, want %v", selected, tc.wantSelected)
			}
		})
	}
}

// TestSelectSize_Property checks SelectSize against a brute-force reference
// over randomly constructed catalogs.
func TestSelectSize_Property(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	limits := SizeLimits{MaxVCPUs: 2, MaxMemoryGB: 2}
	memories := []float64{0.5, 1, 2, 3.5, 4, 8}

	for iter := 0; iter < 500; iter++ {
		n := rng.Intn(6)
		skus := make([]SKU, n)
		for i := range skus {
			skus[i] = SKU{
				Name:     fmt.Sprintf("size-%d-%d", iter, i),
				VCPUs:    1 + rng.Intn(4),
				MemoryGB: memories[rng.Intn(len(memories))],
			}
		}

		want := "fallback"
		var best *SKU
		for i := range skus {
			s := &skus[i]
			if s.VCPUs > 2 || s.MemoryGB > 2 {
				continue
			}
			if best == nil || s.MemoryGB < best.MemoryGB ||
				(s.MemoryGB == best.MemoryGB && s.VCPUs < best.VCPUs) ||
				(s.MemoryGB == best.MemoryGB && s.VCPUs == best.VCPUs && s.Name < best.Name) {
				best = s
			}
		}
		if best != nil {
			want = best.Name
		}

		got, _ := SelectSize(skus, limits, "fallback")
		if got != want {
			t.Fatalf("catalog %+v: SelectSize() = %q, want %q", skus, got, want)
		}
	}
}

func TestNewestImage(t *testing.T) {
	images := []Image{
		{Publisher: "Canonical", Offer: "ubuntu-24_04-lts", SKU: "server", Version: "24.04.202404230"},
		{Publisher: "Canonical", Offer: "ubuntu-24_04-lts", SKU: "server", Version: "24.04.202410020"},
		{Publisher: "Canonical", Offer: "ubuntu-24_04-lts", SKU: "server", Version: "24.04.202409120"},
		{Publisher: "Canonical", Offer: "ubuntu-24_04-lts", SKU: "server", Version: "not-a-version"},
	}

	got, err := NewestImage(images)
	if err != nil {
		t.Fatalf("NewestImage() error = %v", err)
	}
	if got.Version != "24.04.202410020" {
		t.Errorf("NewestImage() version = %s, want 24.04.202410020", got.Version)
	}
	if got.URN() != "Canonical:ubuntu-24_04-lts:server:24.04.202410020" {
		t.Errorf("URN() = %s", got.URN())
	}
}

func TestNewestImage_NumericNotLexical(t *testing.T) {
	images := []Image{
		{Version: "1.9.0"},
		{Version: "1.10.0"},
	}
	got, err := NewestImage(images)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != "1.10.0" {
		t.Errorf("expected 1.10.0, got %s", got.Version)
	}
}

func TestNewestImage_Empty(t *testing.T) {
	if _, err := NewestImage(nil); err != ErrNoImages {
		t.Errorf("expected ErrNoImages, got %v", err)
	}
}

func TestParseURN(t *testing.T) {
	img, err := ParseURN("Canonical:ubuntu-24_04-lts:server:latest")
	if err != nil {
		t.Fatalf("ParseURN() error = %v", err)
	}
	want := Image{Publisher: "Canonical", Offer: "ubuntu-24_04-lts", SKU: "server", Version: "latest"}
	if diff := cmp.Diff(want, img); diff != "" {
		t.Errorf("ParseURN() mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"", "Ubuntu2404", "a:b:c", "a::c:d", "a:b:c:d:e"} {
		if _, err := ParseURN(bad); err == nil {
			t.Errorf("ParseURN(%q) expected error", bad)
		}
	}
}

func TestVMStatusReady(t *testing.T) {
	tests := []struct {
		status VMStatus
		want   bool
	}{
		{VMStatus{PowerState: "running", ProvisioningState: "Succeeded"}, true},
		{VMStatus{PowerState: "Running", ProvisioningState: "succeeded"}, true},
		{VMStatus{PowerState: "running", ProvisioningState: "Creating"}, false},
		{VMStatus{PowerState: "starting", ProvisioningState: "Succeeded"}, false},
		{VMStatus{}, false},
	}
	for _, tc := range tests {
		if got := tc.status.Ready(); got != tc.want {
			t.Errorf("%v.Ready() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestNormalizePowerState(t *testing.T) {
	for in, want := range map[string]string{
		"PowerState/running":     "running",
		"VM running":             "running",
		"VM deallocated":         "deallocated",
		"PowerState/deallocated": "deallocated",
		"":                       "",
	} {
		if got := NormalizePowerState(in); got != want {
			t.Errorf("NormalizePowerState(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSSHRule(t *testing.T) {
	rule := SSHRule("203.0.113.7")
	want := SecurityRule{
		Name:            "AllowSSHFromCaller",
		Priority:        1000,
		Protocol:        "Tcp",
		DestinationPort: 22,
		SourcePrefix:    "203.0.113.7/32",
	}
	if diff := cmp.Diff(want, rule); diff != "" {
		t.Errorf("SSHRule() mismatch (-want +got):\n%s", diff)
	}

	if got := SSHRule("2001:db8::1").SourcePrefix; got != "2001:db8::1/128" {
		t.Errorf("IPv6 prefix = %s", got)
	}
	if got := SSHRule("198.51.100.0/24").SourcePrefix; got != "198.51.100.0/24" {
		t.Errorf("existing prefix should be kept, got %s", got)
	}
}

func TestMatchAddress(t *testing.T) {
	nic := "/subscriptions/s/resourceGroups/rg/providers/Microsoft.Network/networkInterfaces/vm1VMNic"
	vm := VM{Name: "vm1", NICIDs: []string{nic}}

	ips := []PublicIP{
		{Name: "other", IPAddress: "198.51.100.2", IPConfigurationID: "/subscriptions/s/resourceGroups/rg/providers/Microsoft.Network/networkInterfaces/vm10VMNic/ipConfigurations/ipconfigvm10"},
		{Name: "unattached", IPAddress: "198.51.100.3"},
		{Name: "vm1PublicIP", IPAddress: "198.51.100.1", FQDN: "vm1.eastus.cloudapp.azure.com",
			IPConfigurationID: "/subscriptions/s/resourceGroups/RG/providers/Microsoft.Network/networkInterfaces/vm1VMNic/ipConfigurations/ipconfigvm1"},
	}

	got := MatchAddress(vm, ips)
	want := Address{PublicIP: "198.51.100.1", FQDN: "vm1.eastus.cloudapp.azure.com"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MatchAddress() mismatch (-want +got):\n%s", diff)
	}

	if got := MatchAddress(VM{Name: "lonely"}, ips); got != (Address{}) {
		t.Errorf("expected empty address for VM without NICs, got %+v", got)
	}
}
