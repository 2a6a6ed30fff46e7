package scopes

import "testing"

func TestParseAndStringRoundTrip(t *testing.T) {
	s, err := Parse("PROJECT_READ VERSION_READ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Contains(ProjectRead) || !s.Contains(VersionRead) {
		t.Fatalf("parsed scopes missing expected bits: %v", s)
	}
	back, err := Parse(s.String())
	if err != nil {
		t.Fatalf("re-parse failed: %v", err)
	}
	if back != s {
		t.Fatalf("round trip mismatch: %v != %v", back, s)
	}
}

func TestParseUnknownScope(t *testing.T) {
	if _, err := Parse("NOT_A_SCOPE"); err == nil {
		t.Fatal("expected error for unknown scope")
	}
}

func TestRestrictedNeverGrantedToOAuth(t *testing.T) {
	granted := All().Mask(Restricted())
	if granted.Intersects(Restricted()) {
		t.Fatal("masked scopes must not intersect restricted")
	}
	if !Restricted().Contains(PATCreate) || !Restricted().Contains(SessionAccess) {
		t.Fatal("restricted set missing expected scopes")
	}
}

func TestIsSubsetOf(t *testing.T) {
	small := ProjectRead
	big := ProjectRead | ProjectWrite
	if !small.IsSubsetOf(big) {
		t.Fatal("expected subset")
	}
	if big.IsSubsetOf(small) {
		t.Fatal("expected non-subset")
	}
}
