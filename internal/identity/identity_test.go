package identity

import "testing"

func testNormalizer() *Normalizer {
	return New(
		"IDM.NEOPOST.GRP",
		"idm.neopost.grp",
		[]string{"neopost.grp", "neopost.ad"},
		nil,
		map[string]string{
			"NEOPOST":     "neopost.grp",
			"NEOPOST-GRP": "neopost.grp",
			"NEOPOSTAD":   "neopost.ad",
			"NEOPOST-AD":  "neopost.ad",
		},
	)
}

func TestNormalizeBareUsesFirstPriorityDomain(t *testing.T) {
	n := testNormalizer()
	got := n.Normalize("jsmith")

	if got.CanonicalPrincipal != "jsmith@NEOPOST.GRP" {
		t.Fatalf("canonical principal = %q, want jsmith@NEOPOST.GRP", got.CanonicalPrincipal)
	}
	if !got.IsADTrust {
		t.Fatalf("expected bare username resolved against trusted domain to be AD trust")
	}
	if got.OriginalFormat != FormatBare {
		t.Fatalf("format = %q, want bare", got.OriginalFormat)
	}
}

func TestNormalizeUPN(t *testing.T) {
	n := testNormalizer()
	got := n.Normalize("jsmith@neopost.grp")

	if got.CanonicalPrincipal != "jsmith@NEOPOST.GRP" {
		t.Fatalf("canonical principal = %q, want jsmith@NEOPOST.GRP", got.CanonicalPrincipal)
	}
	if got.OriginalFormat != FormatUPN {
		t.Fatalf("format = %q, want upn", got.OriginalFormat)
	}
}

func TestNormalizeUPNNative(t *testing.T) {
	n := testNormalizer()
	got := n.Normalize("jsmith@idm.neopost.grp")

	if got.CanonicalPrincipal != "jsmith@IDM.NEOPOST.GRP" {
		t.Fatalf("canonical principal = %q, want jsmith@IDM.NEOPOST.GRP", got.CanonicalPrincipal)
	}
	if got.IsADTrust {
		t.Fatalf("native-realm UPN should not be flagged as AD trust")
	}
}

func TestNormalizeNTStyle(t *testing.T) {
	n := testNormalizer()
	got := n.Normalize(`NEOPOST\jsmith`)

	if got.CanonicalPrincipal != "jsmith@NEOPOST.GRP" {
		t.Fatalf("canonical principal = %q, want jsmith@NEOPOST.GRP", got.CanonicalPrincipal)
	}
	if got.OriginalFormat != FormatNTStyle {
		t.Fatalf("format = %q, want nt_style", got.OriginalFormat)
	}
}

func TestNormalizeNTStyleUnknownPrefixFallsBackToLiteralDomain(t *testing.T) {
	n := testNormalizer()
	got := n.Normalize(`UNKNOWNCORP\jsmith`)

	if got.Domain != "unknowncorp" {
		t.Fatalf("domain = %q, want unknowncorp", got.Domain)
	}
	if got.Realm != "UNKNOWNCORP" {
		t.Fatalf("realm = %q, want UNKNOWNCORP", got.Realm)
	}
}

func TestAllPossiblePrincipals(t *testing.T) {
	n := testNormalizer()
	got := n.AllPossiblePrincipals("jsmith")
	want := []string{"jsmith@NEOPOST.GRP", "jsmith@NEOPOST.AD", "jsmith@IDM.NEOPOST.GRP"}

	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("principal[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNormalizeGroupName(t *testing.T) {
	cases := map[string]string{
		"cn=admins,cn=groups,cn=accounts,dc=idm,dc=neopost,dc=grp": "admins",
		`NEOPOST\Server-Admins`:                                    "server-admins",
		"Server-Admins":                                            "server-admins",
		"":                                                         "",
	}

	for input, want := range cases {
		if got := NormalizeGroupName(input); got != want {
			t.Fatalf("NormalizeGroupName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestGroupMatches(t *testing.T) {
	if !GroupMatches("dsm-admins", "cn=dsm-admins,cn=groups,cn=accounts,dc=idm,dc=neopost,dc=grp") {
		t.Fatalf("expected exact match after CN normalization to succeed")
	}
	if GroupMatches("dsm-admins", "cn=dsm-viewers,cn=groups,cn=accounts,dc=idm,dc=neopost,dc=grp") {
		t.Fatalf("expected unrelated groups not to match")
	}
	if GroupMatches("admins", "dsm-admins") {
		t.Fatalf("expected a bare substring of another group name not to match")
	}
}
