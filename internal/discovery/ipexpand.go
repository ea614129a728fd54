package discovery

import (
	"fmt"
	"net"
	"strings"

	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
)

// ExpandIPs flattens a target scope into a concrete list of IPv4 addresses
// to scan. ipList, when non-empty, is used verbatim and takes precedence
// over ipRange (multiple individual IPs picked in a UI beat a range). Absent
// a list, ipRange is parsed as CIDR ("10.0.0.0/24"), a hyphenated range
// ("10.0.0.1-10.0.0.50"), or a single bare address.
func ExpandIPs(ipList []string, ipRange string) ([]string, error) {
	if len(ipList) > 0 {
		return ipList, nil
	}
	if ipRange == "" {
		return nil, &errs.ValidationError{Field: "ips", Message: "no IPs to scan - provide ip_range or ip_list"}
	}

	switch {
	case strings.Contains(ipRange, "/"):
		return expandCIDR(ipRange)
	case strings.Contains(ipRange, "-"):
		return expandRange(ipRange)
	default:
		ip := net.ParseIP(strings.TrimSpace(ipRange))
		if ip == nil {
			return nil, &errs.ValidationError{Field: "ips", Message: fmt.Sprintf("invalid IP format: %s", ipRange)}
		}
		return []string{ip.String()}, nil
	}
}

// expandCIDR lists every host address in the network, dropping the network
// and broadcast addresses the way Python's ip_network(...).hosts() does.
func expandCIDR(cidr string) ([]string, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, &errs.ValidationError{Field: "ips", Message: fmt.Sprintf("invalid CIDR %s: %v", cidr, err)}
	}
	base := ipnet.IP.To4()
	if base == nil {
		return nil, &errs.ValidationError{Field: "ips", Message: fmt.Sprintf("only IPv4 CIDR ranges are supported: %s", cidr)}
	}

	var all []string
	cur := append(net.IP(nil), base...)
	for ipnet.Contains(cur) {
		all = append(all, cur.String())
		incIP(cur)
	}

	// Python's ipaddress.ip_network(...).hosts() only strips the network
	// and broadcast addresses for prefixes of /30 or wider; /31 and /32
	// have no broadcast address to strip and return every address as-is
	// (a /32 is exactly one host).
	ones, bits := ipnet.Mask.Size()
	if bits-ones <= 1 {
		return all, nil
	}
	if len(all) <= 2 {
		return nil, nil
	}
	return all[1 : len(all)-1], nil
}

// expandRange walks every address between start and end, inclusive.
func expandRange(r string) ([]string, error) {
	parts := strings.SplitN(r, "-", 2)
	if len(parts) != 2 {
		return nil, &errs.ValidationError{Field: "ips", Message: fmt.Sprintf("invalid IP range: %s", r)}
	}
	start := net.ParseIP(strings.TrimSpace(parts[0])).To4()
	end := net.ParseIP(strings.TrimSpace(parts[1])).To4()
	if start == nil || end == nil {
		return nil, &errs.ValidationError{Field: "ips", Message: fmt.Sprintf("invalid IP range: %s", r)}
	}

	var ips []string
	cur := append(net.IP(nil), start...)
	for bytesLTE(cur, end) {
		ips = append(ips, cur.String())
		if bytesEqual(cur, end) {
			break
		}
		incIP(cur)
	}
	return ips, nil
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] != 0 {
			break
		}
	}
}

func bytesLTE(a, b net.IP) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return true
}

func bytesEqual(a, b net.IP) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
