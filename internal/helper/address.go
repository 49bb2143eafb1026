package helper

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/containernetworking/cni/pkg/types"
)

// NthAddress returns host address n of the IPv4 network cidr, with the
// network's mask: NthAddress("10.1.0.0/24", 1) is 10.1.0.1/24.
func NthAddress(cidr string, n int) (*net.IPNet, error) {
	ipn, err := types.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse network %q: %w", cidr, err)
	}
	base := ipn.IP.Mask(ipn.Mask).To4()
	if base == nil {
		return nil, fmt.Errorf("%s is not an IPv4 network", cidr)
	}

	ones, bits := ipn.Mask.Size()
	hosts := (1 << (bits - ones)) - 2
	if n < 1 || n > hosts {
		return nil, fmt.Errorf("address %d is outside the hosts of %s", n, cidr)
	}

	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, binary.BigEndian.Uint32(base)+uint32(n))
	return &net.IPNet{IP: ip, Mask: ipn.Mask}, nil
}

// Network returns the network of cidr with its host bits cleared.
func Network(cidr string) (*net.IPNet, error) {
	ipn, err := types.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse network %q: %w", cidr, err)
	}
	return &net.IPNet{IP: ipn.IP.Mask(ipn.Mask), Mask: ipn.Mask}, nil
}
