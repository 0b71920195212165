// Package lister prints read-only reports of regions and VMs.
package lister

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/olekukonko/tablewriter"

	"github.com/vpatelsj/exitnode/internal/cloud"
)

// Lister renders tables from a cloud.Reader. It has no access to mutating
// operations.
type Lister struct {
	reader cloud.Reader
	out    io.Writer
	log    logr.Logger
}

func New(reader cloud.Reader, out io.Writer, log logr.Logger) *Lister {
	return &Lister{reader: reader, out: out, log: log}
}

// Regions prints one row per region.
func (l *Lister) Regions(ctx context.Context) error {
	regions, err := l.reader.ListRegions(ctx)
	if err != nil {
		return err
	}
	if len(regions) == 0 {
		fmt.Fprintln(l.out, "No regions found")
		return nil
	}

	table := l.newTable("NAME", "DISPLAY NAME", "REGIONAL NAME")
	for _, r := range regions {
		table.Append([]string{r.Name, r.DisplayName, r.RegionalDisplayName})
	}
	table.Render()
	return nil
}

// VMs prints one row per VM with its public address. The address lookup is
// one public IP listing per VM.
func (l *Lister) VMs(ctx context.Context) error {
	vms, err := l.reader.ListVMs(ctx)
	if err != nil {
		return err
	}
	if len(vms) == 0 {
		fmt.Fprintln(l.out, "No VMs found")
		return nil
	}

	table := l.newTable("NAME", "RESOURCE GROUP", "LOCATION", "POWER STATE", "PUBLIC IP", "FQDN")
	for _, vm := range vms {
		ips, err := l.reader.ListPublicIPs(ctx, vm.ResourceGroup)
		if err != nil {
			return fmt.Errorf("resolve address of %s: %w", vm.Name, err)
		}
		addr := cloud.MatchAddress(vm, ips)
		l.log.V(1).Info("Resolved VM address", "vm", vm.Name, "publicIP", addr.PublicIP, "fqdn", addr.FQDN)
		table.Append([]string{vm.Name, vm.ResourceGroup, vm.Location, vm.PowerState, addr.PublicIP, addr.FQDN})
	}
	table.Render()
	return nil
}

func (l *Lister) newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(l.out)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	return table
}
