package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	byID       map[string]CredentialSet
	ranges     []IPRangeEntry
	defaults   map[string]CredentialSet
	byHostID   map[string]CredentialSet
}

func (f *fakeGateway) CredentialSetsByID(ctx context.Context, ids []string) ([]CredentialSet, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if cred, ok := f.byID[ids[0]]; ok {
		return []CredentialSet{cred}, nil
	}
	return nil, nil
}

func (f *fakeGateway) CredentialIPRanges(ctx context.Context) ([]IPRangeEntry, error) {
	return f.ranges, nil
}

func (f *fakeGateway) DefaultCredentialSet(ctx context.Context, credentialType string) (*CredentialSet, error) {
	if cred, ok := f.defaults[credentialType]; ok {
		return &cred, nil
	}
	return nil, nil
}

func (f *fakeGateway) CredentialSetByID(ctx context.Context, id, credentialType string) (*CredentialSet, error) {
	if cred, ok := f.byID[id]; ok && cred.CredentialType == credentialType {
		return &cred, nil
	}
	return nil, nil
}

func (f *fakeGateway) CredentialSetByVCenterHostID(ctx context.Context, hostID, credentialType string) (*CredentialSet, error) {
	if cred, ok := f.byHostID[hostID]; ok && cred.CredentialType == credentialType {
		return &cred, nil
	}
	return nil, nil
}

type fakeDecrypter struct {
	values map[string]string // encrypted -> plaintext; missing key means decrypt fails
}

func (f *fakeDecrypter) Decrypt(ctx context.Context, encrypted string) (string, error) {
	if v, ok := f.values[encrypted]; ok {
		return v, nil
	}
	return "", nil
}

func strPtr(s string) *string { return &s }

func TestResolveForServerExplicitCredentialSetID(t *testing.T) {
	gw := &fakeGateway{byID: map[string]CredentialSet{
		"cs-1": {ID: "cs-1", Username: "root", Password: "plainpass"},
	}}
	r := NewResolver(gw, &fakeDecrypter{}, "", "")

	got, err := r.ResolveForServer(context.Background(), Server{
		ID: "srv-1", IPAddress: "10.0.0.5", CredentialSetID: strPtr("cs-1"),
	})

	require.NoError(t, err)
	assert.Equal(t, Result{Username: "root", Password: "plainpass", Source: SourceCredentialSet, UsedSetID: "cs-1"}, got)
}

func TestResolveForServerServerSpecific(t *testing.T) {
	gw := &fakeGateway{}
	dec := &fakeDecrypter{values: map[string]string{"enc-blob": "decrypted-pass"}}
	r := NewResolver(gw, dec, "", "")

	got, err := r.ResolveForServer(context.Background(), Server{
		ID: "srv-1", IPAddress: "10.0.0.5",
		IdracUsername:          strPtr("admin"),
		IdracPasswordEncrypted: strPtr("enc-blob"),
	})

	require.NoError(t, err)
	assert.Equal(t, Result{Username: "admin", Password: "decrypted-pass", Source: SourceServerSpecific}, got)
}

func TestResolveForServerDecryptFailedShortCircuits(t *testing.T) {
	gw := &fakeGateway{}
	r := NewResolver(gw, &fakeDecrypter{}, "fallback-user", "fallback-pass")

	got, err := r.ResolveForServer(context.Background(), Server{
		ID: "srv-1", IPAddress: "10.0.0.5",
		IdracUsername:          strPtr("admin"),
		IdracPasswordEncrypted: strPtr("undecryptable"),
	})

	require.NoError(t, err)
	assert.Equal(t, Result{Source: SourceDecryptFailed}, got)
}

func TestResolveForServerDiscoveredByFallback(t *testing.T) {
	gw := &fakeGateway{byID: map[string]CredentialSet{
		"cs-discovered": {ID: "cs-discovered", Username: "admin", Password: "pw"},
	}}
	r := NewResolver(gw, &fakeDecrypter{}, "", "")

	got, err := r.ResolveForServer(context.Background(), Server{
		ID: "srv-1", IPAddress: "10.0.0.5",
		DiscoveredByCredentialSetID: strPtr("cs-discovered"),
	})

	require.NoError(t, err)
	assert.Equal(t, Result{Username: "admin", Password: "pw", Source: SourceDiscoveredBy, UsedSetID: "cs-discovered"}, got)
}

func TestResolveForServerIPRangeCIDR(t *testing.T) {
	gw := &fakeGateway{
		ranges: []IPRangeEntry{
			{IPRange: "10.0.0.0/24", Priority: 5, CredentialSet: CredentialSet{ID: "cs-range", Username: "root", Password: "rangepass"}},
		},
	}
	r := NewResolver(gw, &fakeDecrypter{}, "", "")

	got, err := r.ResolveForServer(context.Background(), Server{ID: "srv-1", IPAddress: "10.0.0.5"})

	require.NoError(t, err)
	assert.Equal(t, Result{Username: "root", Password: "rangepass", Source: SourceIPRange, UsedSetID: "cs-range"}, got)
}

func TestResolveForServerIPRangeHyphenated(t *testing.T) {
	gw := &fakeGateway{
		ranges: []IPRangeEntry{
			{IPRange: "192.168.1.1-192.168.1.50", Priority: 1, CredentialSet: CredentialSet{ID: "cs-hyphen", Username: "root", Password: "hpass"}},
		},
	}
	r := NewResolver(gw, &fakeDecrypter{}, "", "")

	got, err := r.ResolveForServer(context.Background(), Server{ID: "srv-1", IPAddress: "192.168.1.25"})
	require.NoError(t, err)
	assert.Equal(t, SourceIPRange, got.Source)

	got, err = r.ResolveForServer(context.Background(), Server{ID: "srv-2", IPAddress: "192.168.1.99"})
	require.NoError(t, err)
	assert.Equal(t, SourceNone, got.Source)
}

func TestResolveForServerIPRangePicksLowestPriorityNumber(t *testing.T) {
	gw := &fakeGateway{
		ranges: []IPRangeEntry{
			{IPRange: "10.0.0.0/8", Priority: 10, CredentialSet: CredentialSet{ID: "cs-low-priority", Username: "low", Password: "lowpass"}},
			{IPRange: "10.0.0.0/16", Priority: 1, CredentialSet: CredentialSet{ID: "cs-high-priority", Username: "high", Password: "highpass"}},
		},
	}
	r := NewResolver(gw, &fakeDecrypter{}, "", "")

	got, err := r.ResolveForServer(context.Background(), Server{ID: "srv-1", IPAddress: "10.0.1.1"})
	require.NoError(t, err)
	assert.Equal(t, "cs-high-priority", got.UsedSetID)
}

func TestResolveForServerDefaultsFallback(t *testing.T) {
	r := NewResolver(&fakeGateway{}, &fakeDecrypter{}, "defuser", "defpass")

	got, err := r.ResolveForServer(context.Background(), Server{ID: "srv-1", IPAddress: "172.16.0.1"})
	require.NoError(t, err)
	assert.Equal(t, Result{Username: "defuser", Password: "defpass", Source: SourceDefaults}, got)
}

func TestResolveForServerNoCredentialsAvailable(t *testing.T) {
	r := NewResolver(&fakeGateway{}, &fakeDecrypter{}, "", "")

	got, err := r.ResolveForServer(context.Background(), Server{ID: "srv-1", IPAddress: "172.16.0.1"})
	require.NoError(t, err)
	assert.Equal(t, Result{Source: SourceNone}, got)
}

func TestESXiCredentialsPriorityChain(t *testing.T) {
	gw := &fakeGateway{
		byID: map[string]CredentialSet{
			"cs-explicit": {ID: "cs-explicit", Username: "root", Password: "explicitpass", CredentialType: "esxi"},
		},
		byHostID: map[string]CredentialSet{
			"host-1": {ID: "cs-host", Username: "root", Password: "hostpass", CredentialType: "esxi"},
		},
		defaults: map[string]CredentialSet{
			"esxi": {ID: "cs-default", Username: "root", Password: "defaultpass", CredentialType: "esxi"},
		},
	}
	r := NewResolver(gw, &fakeDecrypter{}, "", "")

	got, err := r.ESXiCredentials(context.Background(), "host-1", "10.1.1.1", "cs-explicit")
	require.NoError(t, err)
	assert.Equal(t, "cs-explicit", got.UsedSetID)

	got, err = r.ESXiCredentials(context.Background(), "host-1", "10.1.1.1", "")
	require.NoError(t, err)
	assert.Equal(t, "cs-host", got.UsedSetID)

	got, err = r.ESXiCredentials(context.Background(), "host-unknown", "10.1.1.1", "")
	require.NoError(t, err)
	assert.Equal(t, "cs-default", got.UsedSetID)
}

func TestIPInRangeSingleIP(t *testing.T) {
	assert.True(t, ipInRange("10.0.0.5", "10.0.0.5"))
	assert.False(t, ipInRange("10.0.0.6", "10.0.0.5"))
}
