// Package cloud defines the operations exitnode needs from the Azure control
// plane and the small amount of selection logic layered on top of them.
//
// Two backends implement Cloud: azcli drives the az command-line tool and
// arm talks to Azure Resource Manager through the Azure SDK for Go.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCLINotFound is returned by CheckSession when the az binary is not on PATH.
var ErrCLINotFound = errors.New("azure CLI (az) not found in PATH")

// Reader is the read-only half of Cloud. Listing code depends on Reader only,
// so it cannot issue a create or update.
type Reader interface {
	// CheckSession verifies an authenticated session exists, starting an
	// interactive device-code login when it does not.
	CheckSession(ctx context.Context) error
	ListRegions(ctx context.Context) ([]Region, error)
	ListVMs(ctx context.Context) ([]VM, error)
	ListPublicIPs(ctx context.Context, resourceGroup string) ([]PublicIP, error)
}

// Cloud is the full set of operations used by the provisioning workflow.
type Cloud interface {
	Reader

	ResourceGroupExists(ctx context.Context, name string) (bool, error)
	CreateResourceGroup(ctx context.Context, name, location string) error

	ListSKUs(ctx context.Context, location string) ([]SKU, error)
	ListImages(ctx context.Context, location string, q ImageQuery) ([]Image, error)

	CreateNSG(ctx context.Context, resourceGroup, name, location string) error
	CreateNSGRule(ctx context.Context, resourceGroup, nsgName string, rule SecurityRule) error

	CreateVM(ctx context.Context, spec VMSpec) error
	VMStatus(ctx context.Context, ref VMRef) (VMStatus, error)
	AgentStatus(ctx context.Context, ref VMRef) (string, error)

	// SetBootstrapExtension installs the custom script extension carrying
	// command. It returns once the request is accepted, not when the
	// command has finished on the VM.
	SetBootstrapExtension(ctx context.Context, ref VMRef, command string) error
	// RunCommand executes script on the VM and returns the raw message
	// reported by the run-command endpoint.
	RunCommand(ctx context.Context, ref VMRef, script string) (string, error)
}

// Region is an Azure location.
type Region struct {
	Name                string `json:"name"`
	DisplayName         string `json:"displayName"`
	RegionalDisplayName string `json:"regionalDisplayName"`
}

// VM summarizes an existing virtual machine.
type VM struct {
	ID            string
	Name          string
	ResourceGroup string
	Location      string
	PowerState    string
	NICIDs        []string
}

// PublicIP is a public IP address resource and the IP configuration it is
// attached to, if any.
type PublicIP struct {
	Name              string
	IPAddress         string
	FQDN              string
	IPConfigurationID string
}

// Address is the externally reachable address of a VM. Both fields may be
// empty.
type Address struct {
	PublicIP string
	FQDN     string
}

// VMRef identifies a VM within a resource group.
type VMRef struct {
	ResourceGroup string
	Name          string
	Location      string
}

func (r VMRef) String() string {
	return r.ResourceGroup + "/" + r.Name
}

// SecurityRule is a single inbound allow rule.
type SecurityRule struct {
	Name            string
	Priority        int32
	Protocol        string
	DestinationPort int
	SourcePrefix    string
}

// SSHRule returns the one rule exitnode adds to its NSG: TCP 22 from the
// caller's address only, at priority 1000.
func SSHRule(callerIP string) SecurityRule {
	prefix := callerIP
	if !strings.Contains(prefix, "/") {
		if strings.Contains(prefix, ":") {
			prefix += "/128"
		} else {
			prefix += "/32"
		}
	}
	return SecurityRule{
		Name:            "AllowSSHFromCaller",
		Priority:        1000,
		Protocol:        "Tcp",
		DestinationPort: 22,
		SourcePrefix:    prefix,
	}
}

// VMSpec describes the VM to create.
type VMSpec struct {
	Name          string
	ResourceGroup string
	Location      string
	Size          string
	Image         string // URN, publisher:offer:sku:version
	AdminUsername string
	OSDiskSizeGB  int32

	// CloudInitPath is the file the payload was read from; CustomData holds
	// its bytes. Backends use whichever form their API takes.
	CloudInitPath string
	CustomData    []byte

	// SSHPublicKey is an authorized_keys line. When empty, the backend
	// generates or reuses a keypair.
	SSHPublicKey string

	NSG      string
	DNSLabel string
}

// Ref returns the VMRef for the VM described by s.
func (s VMSpec) Ref() VMRef {
	return VMRef{ResourceGroup: s.ResourceGroup, Name: s.Name, Location: s.Location}
}

// VMStatus is one observation of a VM's power and provisioning state.
type VMStatus struct {
	PowerState        string
	ProvisioningState string
}

// Ready reports whether the VM is both running and successfully provisioned.
func (s VMStatus) Ready() bool {
	return strings.EqualFold(s.PowerState, "running") &&
		strings.EqualFold(s.ProvisioningState, "succeeded")
}

func (s VMStatus) String() string {
	return fmt.Sprintf("power=%s provisioning=%s", orDash(s.PowerState), orDash(s.ProvisioningState))
}

// NormalizePowerState turns the forms Azure reports ("PowerState/running",
// "VM running") into the bare state ("running").
func NormalizePowerState(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "PowerState/")
	s = strings.TrimPrefix(s, "VM ")
	return strings.ToLower(s)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
