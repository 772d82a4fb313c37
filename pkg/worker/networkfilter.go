package worker

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"github.com/talus-io/talus/pkg/log"
)

// NetworkFilter builds and tears down the per-VM nftables rule set that
// implements a Job's Network restriction: "all" means unrestricted,
// "whitelist" or "whitelist:host1,host2" means
// only the bridge IP, its broadcast address, the code-cache host, and any
// named hosts may be reached.
type NetworkFilter struct {
	conn     *nftables.Conn
	bridgeIP net.IP
	codeHost string
}

// NewNetworkFilter opens an nftables connection for the given libvirt
// bridge device's IP and code-cache host.
func NewNetworkFilter(bridgeIP net.IP, codeHost string) (*NetworkFilter, error) {
	return &NetworkFilter{
		conn:     &nftables.Conn{},
		bridgeIP: bridgeIP,
		codeHost: codeHost,
	}, nil
}

// tableName and chain names are scoped per VM so concurrent VMs never
// contend on the same nftables objects.
func tableName(domain string) string { return "talus_" + domain }

// Apply parses network (a Job's Network field) and, for the whitelist
// form, installs an nftables table that permits only the bridge address,
// its broadcast address, the code-cache host and resolved whitelisted
// hosts, dropping everything else outbound from
// the VM's tap interface. For "all" it does nothing and returns "" as the
// nwfilter name: no filter gets attached to the domain XML at all.
func (f *NetworkFilter) Apply(ctx context.Context, domain, network string) (string, error) {
	if network == "" || network == "all" {
		return "", nil
	}
	if !strings.HasPrefix(network, "whitelist") {
		return "", fmt.Errorf("unrecognized network mode %q", network)
	}

	allowed, err := f.resolveAllowedHosts(network)
	if err != nil {
		return "", err
	}

	table := f.conn.AddTable(&nftables.Table{
		Name:   tableName(domain),
		Family: nftables.TableFamilyIPv4,
	})
	out := f.conn.AddChain(&nftables.Chain{
		Name:     "output",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   chainPolicyPtr(nftables.ChainPolicyDrop),
	})

	set := &nftables.Set{
		Table:   table,
		Name:    "allowed",
		KeyType: nftables.TypeIPAddr,
	}
	if err := f.conn.AddSet(set, nil); err != nil {
		return "", fmt.Errorf("add allowed-hosts set: %w", err)
	}

	elems := make([]nftables.SetElement, 0, len(allowed))
	for _, ip := range allowed {
		elems = append(elems, nftables.SetElement{Key: ip.To4()})
	}
	if err := f.conn.SetAddElements(set, elems); err != nil {
		return "", fmt.Errorf("populate allowed-hosts set: %w", err)
	}

	f.conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: out,
		Exprs: []expr.Any{
			// load the IPv4 destination address into register 1
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       16,
				Len:          4,
			},
			// accept only if that address is a member of the allowed set
			&expr.Lookup{
				SourceRegister: 1,
				SetName:        set.Name,
			},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
	})

	if err := f.conn.Flush(); err != nil {
		return "", fmt.Errorf("flush nftables rules for %s: %w", domain, err)
	}

	log.Debug("installed whitelist network filter")
	return tableName(domain), nil
}

// Teardown removes the nftables table created for domain, if any. Safe to
// call even when Apply was never invoked (unrestricted network mode).
func (f *NetworkFilter) Teardown(ctx context.Context, domain string) error {
	f.conn.DelTable(&nftables.Table{Name: tableName(domain), Family: nftables.TableFamilyIPv4})
	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("remove nftables table for %s: %w", domain, err)
	}
	return nil
}

// resolveAllowedHosts expands a "whitelist" or "whitelist:host1,host2"
// Network string into the concrete IPv4 addresses a VM may reach: the
// bridge's own address (so DHCP/DNS against the host keeps working), its
// subnet broadcast, the code-cache host, and every named whitelist host.
func (f *NetworkFilter) resolveAllowedHosts(network string) ([]net.IP, error) {
	allowed := []net.IP{f.bridgeIP, broadcastOf(f.bridgeIP)}

	hosts := []string{f.codeHost}
	if rest := strings.TrimPrefix(network, "whitelist"); strings.HasPrefix(rest, ":") {
		hosts = append(hosts, strings.Split(strings.TrimPrefix(rest, ":"), ",")...)
	}

	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		ips, err := net.LookupIP(h)
		if err != nil {
			return nil, fmt.Errorf("resolve whitelisted host %q: %w", h, err)
		}
		for _, ip := range ips {
			if v4 := ip.To4(); v4 != nil {
				allowed = append(allowed, v4)
			}
		}
	}
	return allowed, nil
}

func broadcastOf(ip net.IP) net.IP {
	v4 := ip.To4()
	if v4 == nil {
		return ip
	}
	bcast := make(net.IP, 4)
	// Assumes a /24 bridge subnet, the default for a libvirt NAT network;
	// a differently-sized bridge subnet needs its mask passed in.
	copy(bcast, v4)
	bcast[3] = 255
	return bcast
}

func chainPolicyPtr(p nftables.ChainPolicy) *nftables.ChainPolicy { return &p }
