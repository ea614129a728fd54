// Package credentials resolves per-target secrets through the priority
// chain a Server, CredentialSet, and IP-range mapping describe, decrypting
// via a remote RPC whose key is cached after first use.
package credentials

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
)

// Source names the step of the priority chain that produced a credential,
// mirroring the strings the original job executor logged.
type Source string

const (
	SourceCredentialSet    Source = "credential_set_id"
	SourceServerSpecific   Source = "server_specific"
	SourceDiscoveredBy     Source = "discovered_by_credential_set_id"
	SourceIPRange          Source = "ip_range"
	SourceDefaults         Source = "defaults"
	SourceDecryptFailed    Source = "decrypt_failed"
	SourceNone             Source = "none"
)

// Server is the subset of the servers table the resolver needs.
type Server struct {
	ID                          string
	IPAddress                   string
	CredentialSetID             *string
	IdracUsername               *string
	IdracPasswordEncrypted      *string
	DiscoveredByCredentialSetID *string
}

// CredentialSet is the subset of the credential_sets table the resolver
// needs. Password is the already-decrypted value when the gateway returns
// one inline; PasswordEncrypted is decrypted on demand otherwise.
type CredentialSet struct {
	ID                string
	Name              string
	Username          string
	Password          string
	PasswordEncrypted string
	Priority          int
	CredentialType    string
	IsDefault         bool
}

// IPRangeEntry binds a CredentialSet to an IP range at a priority.
type IPRangeEntry struct {
	IPRange        string
	Priority       int
	CredentialSet  CredentialSet
}

// Gateway is the slice of the Persistence Gateway (C4) the resolver talks
// to. Kept narrow and defined here, rather than imported from
// internal/persistence, so this package has no dependency on the gateway's
// full REST surface.
type Gateway interface {
	CredentialSetsByID(ctx context.Context, ids []string) ([]CredentialSet, error)
	CredentialIPRanges(ctx context.Context) ([]IPRangeEntry, error)
	DefaultCredentialSet(ctx context.Context, credentialType string) (*CredentialSet, error)
	CredentialSetByID(ctx context.Context, id, credentialType string) (*CredentialSet, error)
	CredentialSetByVCenterHostID(ctx context.Context, hostID, credentialType string) (*CredentialSet, error)
}

// Decrypter fetches the shared encryption key (cached by the caller) and
// decrypts a single encrypted blob via the remote RPC.
type Decrypter interface {
	Decrypt(ctx context.Context, encrypted string) (string, error)
}

// Resolver implements the exact 5-step priority chain from
// resolve_credentials_for_server, plus the ESXi SSH-adjacent
// get_esxi_credentials_for_host chain used by the vCenter/maintenance path.
type Resolver struct {
	gw         Gateway
	decrypter  Decrypter
	defaultUser string
	defaultPass string

	mu sync.Mutex
}

// NewResolver builds a Resolver. defaultUser/defaultPass are the
// process-wide fallback credentials, step 5 of the chain.
func NewResolver(gw Gateway, decrypter Decrypter, defaultUser, defaultPass string) *Resolver {
	return &Resolver{gw: gw, decrypter: decrypter, defaultUser: defaultUser, defaultPass: defaultPass}
}

// Result is the outcome of ResolveForServer.
type Result struct {
	Username   string
	Password   string
	Source     Source
	UsedSetID  string
}

// ResolveForServer walks the 5-step chain. A decrypt failure at any step is
// a hard stop: it does not fall through to a lower-priority step.
func (r *Resolver) ResolveForServer(ctx context.Context, server Server) (Result, error) {
	// 1) Explicit server.credential_set_id
	if server.CredentialSetID != nil && *server.CredentialSetID != "" {
		sets, err := r.gw.CredentialSetsByID(ctx, []string{*server.CredentialSetID})
		if err != nil {
			return Result{}, &errs.ConnectivityError{Op: "credential_sets lookup", Target: "persistence gateway", Err: err}
		}
		if len(sets) > 0 {
			cred := sets[0]
			username, password, failed, err := r.materialize(ctx, cred)
			if err != nil {
				return Result{}, err
			}
			if failed {
				return Result{Source: SourceDecryptFailed}, nil
			}
			if username != "" && password != "" {
				return Result{Username: username, Password: password, Source: SourceCredentialSet, UsedSetID: *server.CredentialSetID}, nil
			}
		}
	}

	// 2) Server-specific inline idrac_username + idrac_password_encrypted
	if server.IdracUsername != nil && *server.IdracUsername != "" &&
		server.IdracPasswordEncrypted != nil && *server.IdracPasswordEncrypted != "" {
		password, err := r.decrypter.Decrypt(ctx, *server.IdracPasswordEncrypted)
		if err != nil || password == "" {
			return Result{Source: SourceDecryptFailed}, nil
		}
		return Result{Username: *server.IdracUsername, Password: password, Source: SourceServerSpecific}, nil
	}

	// 3) Fallback to discovered_by_credential_set_id
	if server.DiscoveredByCredentialSetID != nil && *server.DiscoveredByCredentialSetID != "" {
		sets, err := r.gw.CredentialSetsByID(ctx, []string{*server.DiscoveredByCredentialSetID})
		if err != nil {
			return Result{}, &errs.ConnectivityError{Op: "credential_sets lookup", Target: "persistence gateway", Err: err}
		}
		if len(sets) > 0 {
			cred := sets[0]
			username, password, failed, err := r.materialize(ctx, cred)
			if err != nil {
				return Result{}, err
			}
			if failed {
				return Result{Source: SourceDecryptFailed}, nil
			}
			if username != "" && password != "" {
				return Result{Username: username, Password: password, Source: SourceDiscoveredBy, UsedSetID: *server.DiscoveredByCredentialSetID}, nil
			}
		}
	}

	// 4) IP-range mapped credentials, ordered by priority ascending
	if server.IPAddress != "" {
		ranges, err := r.gw.CredentialIPRanges(ctx)
		if err != nil {
			return Result{}, &errs.ConnectivityError{Op: "credential_ip_ranges lookup", Target: "persistence gateway", Err: err}
		}
		best, found := bestIPRangeMatch(ranges, server.IPAddress, "")
		if found {
			username, password, failed, err := r.materialize(ctx, best.CredentialSet)
			if err != nil {
				return Result{}, err
			}
			if failed {
				return Result{Source: SourceDecryptFailed}, nil
			}
			if username != "" && password != "" {
				return Result{Username: username, Password: password, Source: SourceIPRange, UsedSetID: best.CredentialSet.ID}, nil
			}
		}
	}

	// 5) Process-wide environment defaults
	if r.defaultUser != "" && r.defaultPass != "" {
		return Result{Username: r.defaultUser, Password: r.defaultPass, Source: SourceDefaults}, nil
	}

	return Result{Source: SourceNone}, nil
}

// materialize returns (username, password, decryptFailed, err). A
// CredentialSet may already carry a plaintext Password (gateway-side
// decrypt) or only PasswordEncrypted, requiring this package to call the
// Decrypter.
func (r *Resolver) materialize(ctx context.Context, cred CredentialSet) (username, password string, failed bool, err error) {
	if cred.Password != "" {
		return cred.Username, cred.Password, false, nil
	}
	if cred.PasswordEncrypted == "" {
		return cred.Username, "", false, nil
	}
	decrypted, derr := r.decrypter.Decrypt(ctx, cred.PasswordEncrypted)
	if derr != nil || decrypted == "" {
		return "", "", true, nil
	}
	return cred.Username, decrypted, false, nil
}

// ESXiCredentials resolves SSH-adjacent ESXi credentials for a vCenter host,
// following get_esxi_credentials_for_host's 4-step priority: explicit
// credential_set_id, direct vcenter_host_id match, IP range match scoped to
// credential_type=esxi, then the default esxi credential set.
func (r *Resolver) ESXiCredentials(ctx context.Context, hostID, hostIP, credentialSetID string) (Result, error) {
	if credentialSetID != "" {
		if cred, err := r.gw.CredentialSetByID(ctx, credentialSetID, "esxi"); err == nil && cred != nil {
			if username, password, failed, _ := r.materialize(ctx, *cred); !failed && username != "" && password != "" {
				return Result{Username: username, Password: password, Source: SourceCredentialSet, UsedSetID: cred.ID}, nil
			}
		}
	}

	if cred, err := r.gw.CredentialSetByVCenterHostID(ctx, hostID, "esxi"); err == nil && cred != nil {
		if username, password, failed, _ := r.materialize(ctx, *cred); !failed && username != "" && password != "" {
			return Result{Username: username, Password: password, Source: "vcenter_host_id", UsedSetID: cred.ID}, nil
		}
	}

	if hostIP != "" {
		ranges, err := r.gw.CredentialIPRanges(ctx)
		if err == nil {
			if best, found := bestIPRangeMatch(ranges, hostIP, "esxi"); found {
				if username, password, failed, _ := r.materialize(ctx, best.CredentialSet); !failed && username != "" && password != "" {
					return Result{Username: username, Password: password, Source: SourceIPRange, UsedSetID: best.CredentialSet.ID}, nil
				}
			}
		}
	}

	if cred, err := r.gw.DefaultCredentialSet(ctx, "esxi"); err == nil && cred != nil {
		if username, password, failed, _ := r.materialize(ctx, *cred); !failed && username != "" && password != "" {
			return Result{Username: username, Password: password, Source: SourceDefaults, UsedSetID: cred.ID}, nil
		}
	}

	return Result{Source: SourceNone}, nil
}

// bestIPRangeMatch filters ranges to those matching ip (and, when
// credentialType is non-empty, scoped to that credential_type), then
// returns the lowest-priority-number (highest priority) match.
func bestIPRangeMatch(ranges []IPRangeEntry, ip, credentialType string) (IPRangeEntry, bool) {
	var best IPRangeEntry
	found := false

	for _, entry := range ranges {
		if credentialType != "" && entry.CredentialSet.CredentialType != credentialType {
			continue
		}
		if !ipInRange(ip, entry.IPRange) {
			continue
		}
		if !found || entry.Priority < best.Priority {
			best = entry
			found = true
		}
	}

	return best, found
}

// ipInRange supports CIDR notation (10.0.0.0/8), hyphenated ranges
// (192.168.1.1-192.168.1.50), and a single IP.
func ipInRange(ipAddress, ipRange string) bool {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return false
	}

	if strings.Contains(ipRange, "/") {
		_, network, err := net.ParseCIDR(ipRange)
		if err != nil {
			return false
		}
		return network.Contains(ip)
	}

	if strings.Contains(ipRange, "-") {
		parts := strings.SplitN(ipRange, "-", 2)
		if len(parts) != 2 {
			return false
		}
		start := net.ParseIP(strings.TrimSpace(parts[0]))
		end := net.ParseIP(strings.TrimSpace(parts[1]))
		if start == nil || end == nil {
			return false
		}
		return ipBetween(ip, start, end)
	}

	single := net.ParseIP(ipRange)
	if single == nil {
		return false
	}
	return ip.Equal(single)
}

// ipBetween compares IPv4 addresses byte-wise after normalizing both
// operands to their 4-byte form; non-IPv4 input falls back to string
// comparison, matching Python's total ordering over ipaddress objects.
func ipBetween(ip, start, end net.IP) bool {
	ip4, s4, e4 := ip.To4(), start.To4(), end.To4()
	if ip4 != nil && s4 != nil && e4 != nil {
		return bytesCompare(ip4, s4) >= 0 && bytesCompare(ip4, e4) <= 0
	}
	return fmt.Sprintf("%v", ip) >= fmt.Sprintf("%v", start) && fmt.Sprintf("%v", ip) <= fmt.Sprintf("%v", end)
}

func bytesCompare(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
