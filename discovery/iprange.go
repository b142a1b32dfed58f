package discovery

import (
	"fmt"
	"net"
	"strings"
)

// maxExpandedIPs caps a single scan so a fat-fingered /8 cannot flood the
// worker pool.
const maxExpandedIPs = 65536

// ExpandIPs turns a mixed list of CIDR blocks, A-B ranges and single IPs into
// concrete scan targets. Network and broadcast addresses of CIDR blocks wider
// than /31 are skipped; a /32 expands to its single address and an A-A range
// to A. Duplicates collapse, first occurrence wins the ordering.
func ExpandIPs(specs []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)

	add := func(ip string) error {
		if seen[ip] {
			return nil
		}
		if len(out) >= maxExpandedIPs {
			return &ValidationError{Detail: fmt.Sprintf("expansion exceeds %d addresses", maxExpandedIPs)}
		}
		seen[ip] = true
		out = append(out, ip)
		return nil
	}

	for _, spec := range specs {
		for _, part := range strings.Split(spec, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}

			switch {
			case strings.Contains(part, "/"):
				if err := expandCIDR(part, add); err != nil {
					return nil, err
				}
			case strings.Contains(part, "-"):
				if err := expandRange(part, add); err != nil {
					return nil, err
				}
			default:
				ip := net.ParseIP(part)
				if ip == nil || ip.To4() == nil {
					return nil, &ValidationError{Detail: "not an IPv4 address: " + part}
				}
				if err := add(ip.To4().String()); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

func expandCIDR(spec string, add func(string) error) error {
	_, network, err := net.ParseCIDR(spec)
	if err != nil {
		return &ValidationError{Detail: "bad CIDR " + spec}
	}
	ones, bits := network.Mask.Size()
	if bits != 32 {
		return &ValidationError{Detail: "only IPv4 CIDR blocks are scannable: " + spec}
	}

	start := ipToUint(network.IP.To4())
	count := uint32(1) << (32 - ones)
	end := start + count - 1

	// Host addresses only for real subnets.
	if ones < 31 {
		start++
		end--
	}
	for v := start; ; v++ {
		if err := add(uintToIP(v).String()); err != nil {
			return err
		}
		if v == end {
			return nil
		}
	}
}

func expandRange(spec string, add func(string) error) error {
	parts := strings.SplitN(spec, "-", 2)
	first := net.ParseIP(strings.TrimSpace(parts[0]))
	last := net.ParseIP(strings.TrimSpace(parts[1]))
	if first == nil || last == nil || first.To4() == nil || last.To4() == nil {
		return &ValidationError{Detail: "bad IP range " + spec}
	}

	start, end := ipToUint(first.To4()), ipToUint(last.To4())
	if start > end {
		return &ValidationError{Detail: "range runs backwards: " + spec}
	}
	for v := start; ; v++ {
		if err := add(uintToIP(v).String()); err != nil {
			return err
		}
		if v == end {
			return nil
		}
	}
}

func ipToUint(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uintToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
