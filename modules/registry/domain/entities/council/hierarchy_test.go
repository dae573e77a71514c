package council

import (
	"testing"

	"github.com/google/uuid"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Bo City Council", "bo city council"},
		{"  Freetown   City  ", "freetown city"},
		{"KOINADUGU-DISTRICT", "koinadugu district"},
		{"Western Area (Rural)", "western area rural"},
		{"St. John's / Kissy", "st john s kissy"},
		{"", ""},
		{"---", ""},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("Koinadugu District Council")
	want := []string{"koinadugu", "district", "council"}
	if len(got) != len(want) {
		t.Fatalf("unexpected token count: got=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected token %d: got=%q want=%q", i, got[i], want[i])
		}
	}
	if Tokens("   ") != nil {
		t.Fatalf("expected nil tokens for blank input")
	}
}

func testHierarchy() *Hierarchy {
	northID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	southID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	boDistrictID := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	koinaduguID := uuid.MustParse("44444444-4444-4444-4444-444444444444")
	boCouncilID := uuid.MustParse("55555555-5555-5555-5555-555555555555")
	koinaduguCouncilID := uuid.MustParse("66666666-6666-6666-6666-666666666666")
	freetownID := uuid.MustParse("77777777-7777-7777-7777-777777777777")

	return NewHierarchy(
		[]Region{
			{ID: northID, Name: "Northern"},
			{ID: southID, Name: "Southern"},
		},
		[]District{
			{ID: boDistrictID, RegionID: southID, Name: "Bo"},
			{ID: koinaduguID, RegionID: northID, Name: "Koinadugu"},
		},
		[]Council{
			{ID: boCouncilID, DistrictID: boDistrictID, Name: "Bo Council"},
			{ID: koinaduguCouncilID, DistrictID: koinaduguID, Name: "Koinadugu District Council"},
			{ID: freetownID, DistrictID: boDistrictID, Name: "Freetown City Council"},
		},
		[]Alias{
			{CouncilID: freetownID, Alias: "FCC"},
			{CouncilID: uuid.MustParse("99999999-9999-9999-9999-999999999999"), Alias: "orphaned"},
		},
	)
}

func TestHierarchyLookups(t *testing.T) {
	h := testHierarchy()

	t.Run("canonical name, case and punctuation insensitive", func(t *testing.T) {
		got := h.CouncilsNamed("  bo   COUNCIL ")
		if len(got) != 1 || got[0].Name != "Bo Council" {
			t.Fatalf("unexpected councils: %+v", got)
		}
	})

	t.Run("alias resolves to its council", func(t *testing.T) {
		c, ok := h.AliasedCouncil("fcc")
		if !ok || c.Name != "Freetown City Council" {
			t.Fatalf("alias lookup failed: %+v ok=%v", c, ok)
		}
	})

	t.Run("alias for unknown council is dropped", func(t *testing.T) {
		if _, ok := h.AliasedCouncil("orphaned"); ok {
			t.Fatalf("orphaned alias should not resolve")
		}
	})

	t.Run("district scoping", func(t *testing.T) {
		ds := h.DistrictsNamed("koinadugu")
		if len(ds) != 1 {
			t.Fatalf("expected one district, got %d", len(ds))
		}
		cs := h.CouncilsInDistrict(ds[0].ID)
		if len(cs) != 1 || cs[0].Name != "Koinadugu District Council" {
			t.Fatalf("unexpected district councils: %+v", cs)
		}
	})

	t.Run("unknown lookups miss", func(t *testing.T) {
		if got := h.CouncilsNamed("no such council"); got != nil {
			t.Fatalf("expected nil, got %+v", got)
		}
		if _, ok := h.CouncilByID(uuid.New()); ok {
			t.Fatalf("expected miss for random id")
		}
	})
}
