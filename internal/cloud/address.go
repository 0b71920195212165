package cloud

import "strings"

// MatchAddress finds the public IP attached to one of vm's network
// interfaces. An IP configuration ID has the form
// <nicID>/ipConfigurations/<name>, so a prefix match on the NIC ID is enough.
// When several match, the first with an address wins.
func MatchAddress(vm VM, ips []PublicIP) Address {
	var found Address
	for _, ip := range ips {
		if ip.IPConfigurationID == "" {
			continue
		}
		cfg := strings.ToLower(ip.IPConfigurationID)
		for _, nic := range vm.NICIDs {
			if nic == "" || !strings.HasPrefix(cfg, strings.ToLower(nic)+"/") {
				continue
			}
			if found == (Address{}) || (found.PublicIP == "" && ip.IPAddress != "") {
				found = Address{PublicIP: ip.IPAddress, FQDN: ip.FQDN}
			}
		}
	}
	return found
}
