package policy

import "testing"

func TestIsCategoryAllowed(t *testing.T) {
	g := New(DefaultProhibited)
	cases := []struct {
		category   string
		compliance bool
		want       bool
	}{
		{"Interest", true, false},
		{"INTEREST ", true, false},
		{"interest", false, true},
		{"  gambling", true, false},
		{"design", true, true},
		{"design", false, true},
		{"", true, true},
	}
	for _, tc := range cases {
		if got := g.IsCategoryAllowed(tc.category, tc.compliance); got != tc.want {
			t.Errorf("IsCategoryAllowed(%q, %v) = %v, want %v", tc.category, tc.compliance, got, tc.want)
		}
	}
}

func TestGateIsConfigurable(t *testing.T) {
	g := New([]string{"Mining "})
	if g.IsCategoryAllowed("mining", true) {
		t.Fatalf("configured category not prohibited")
	}
	if !g.IsCategoryAllowed("interest", true) {
		t.Fatalf("gate enforced a category outside its configured set")
	}
}
