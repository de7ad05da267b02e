package ids

import "testing"

func TestBuildRoundTrip(t *testing.T) {
	id := NewBuild()
	parsed, err := ParseBuild(id.String())
	if err != nil {
		t.Fatalf("ParseBuild: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: got %v want %v", parsed, id)
	}
	if parsed.Kind() != KindBuild {
		t.Fatalf("kind = %v, want %v", parsed.Kind(), KindBuild)
	}
}

func TestObjectIsContentAddressed(t *testing.T) {
	a := NewObject([]byte("hello"))
	b := NewObject([]byte("hello"))
	c := NewObject([]byte("world"))
	if a != b {
		t.Fatalf("expected identical content to produce identical ids")
	}
	if a == c {
		t.Fatalf("expected different content to produce different ids")
	}
}

func TestParseRejectsWrongKind(t *testing.T) {
	id := NewArtifact()
	if _, err := ParseBuild(id.String()); err == nil {
		t.Fatalf("expected ParseBuild to reject an artifact id")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{"", "noUnderscore", "xyz_deadbeef"}
	for _, s := range cases {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q): expected error", s)
		}
	}
}

func TestZeroValue(t *testing.T) {
	var id ID
	if !id.IsZero() {
		t.Fatalf("zero ID should report IsZero")
	}
	if id.String() != "" {
		t.Fatalf("zero ID should render as empty string, got %q", id.String())
	}
}
