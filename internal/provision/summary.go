package provision

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
)

func (p *Provisioner) printSummary(res *Result) {
	fmt.Fprintf(p.Out, "\nExit node %s provisioned in %s\n\n", res.Hostname, res.ResourceGroup)

	size := res.Size
	if res.SizeFallback {
		size += " (fallback)"
	}
	tailscaleState := "not confirmed; check `tailscale status` on the VM"
	if res.Joined() {
		tailscaleState = "joined as exit node"
	}
	routes := "not requested"
	if p.Tailnet != nil {
		routes = "pending manual approval in the admin console"
		if res.RoutesApproved {
			routes = "approved"
		}
	}

	rows := [][]string{
		{"Region", res.Region},
		{"Size", size},
		{"Image", res.Image},
		{"Public IP", res.Address.PublicIP},
		{"FQDN", res.Address.FQDN},
	}
	if res.NSG != "" {
		rows = append(rows, []string{"SSH allowed from", res.CallerIP + " (" + res.NSG + ")"})
	}
	if host := res.Address.FQDN; host != "" {
		rows = append(rows, []string{"SSH", fmt.Sprintf("ssh %s@%s", p.Config.AdminUsername, host)})
	}
	rows = append(rows,
		[]string{"Tailscale", tailscaleState},
		[]string{"Exit routes", routes},
		[]string{"Run ID", res.RunID},
	)

	table := tablewriter.NewWriter(p.Out)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.AppendBulk(rows)
	table.Render()
}
