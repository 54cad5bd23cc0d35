package typeddata

import (
	"bytes"
	"testing"
)

var testDomain = Domain{Name: "escrowline", Version: "1", ChainID: 1}

func jobTermsValues() Values {
	return Values{
		"title":       "Landing page",
		"description": "Design and build the landing page",
		"currency":    "0x00000000000000000000000000000000000000aa",
		"budget":      int64(1000),
		"deadline":    int64(1760000000),
	}
}

func TestEncodeDeterministic(t *testing.T) {
	a, err := Encode(JobTerms, jobTermsValues())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Encode(JobTerms, jobTermsValues())
	if err != nil {
		t.Fatalf("encode again: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("identical values produced different encodings")
	}
	if len(a) != (len(JobTerms.Fields)+1)*32 {
		t.Fatalf("unexpected encoding length %d", len(a))
	}
}

func TestEncodeSchemaMismatch(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(Values)
	}{
		{"missing field", func(v Values) { delete(v, "budget") }},
		{"negative budget", func(v Values) { v["budget"] = int64(-1) }},
		{"wrong type", func(v Values) { v["title"] = 42 }},
		{"bad address", func(v Values) { v["currency"] = "not-an-address" }},
		{"short address", func(v Values) { v["currency"] = "0x00aa" }},
	}
	for _, tc := range cases {
		v := jobTermsValues()
		tc.mutate(v)
		if _, err := Encode(JobTerms, v); err == nil {
			t.Errorf("%s: expected schema mismatch", tc.name)
		} else if _, ok := err.(*SchemaMismatchError); !ok {
			t.Errorf("%s: expected SchemaMismatchError, got %T", tc.name, err)
		}
	}
}

func TestDigestValueSensitivity(t *testing.T) {
	base, err := testDomain.Digest(JobTerms, jobTermsValues())
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	v := jobTermsValues()
	v["budget"] = int64(1001)
	changed, err := testDomain.Digest(JobTerms, v)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if base == changed {
		t.Fatalf("changing a field did not change the digest")
	}
}

func TestDigestSchemaSeparation(t *testing.T) {
	// Same word layout under two schemas must never collide: a signature
	// over one schema is useless against another.
	shared := Values{
		"jobId":           int64(1),
		"worker":          "0x00000000000000000000000000000000000000bb",
		"rate":            int64(500),
		"milestones":      FormatHash([32]byte{1}),
		"milestoneId":     int64(1),
		"deliverableHash": FormatHash([32]byte{1}),
	}
	offer, err := testDomain.Digest(Offer, shared)
	if err != nil {
		t.Fatalf("offer digest: %v", err)
	}
	receipt, err := testDomain.Digest(MilestoneReceipt, shared)
	if err != nil {
		t.Fatalf("receipt digest: %v", err)
	}
	if offer == receipt {
		t.Fatalf("different schemas produced the same digest")
	}
}

func TestDigestDomainSeparation(t *testing.T) {
	a, err := testDomain.Digest(JobTerms, jobTermsValues())
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	other := Domain{Name: "escrowline", Version: "1", ChainID: 5}
	b, err := other.Digest(JobTerms, jobTermsValues())
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if a == b {
		t.Fatalf("different domains produced the same digest")
	}
}

func TestMilestoneScheduleDigest(t *testing.T) {
	a := MilestoneScheduleDigest([]int64{1, 2}, []int64{600, 400})
	b := MilestoneScheduleDigest([]int64{1, 2}, []int64{600, 400})
	if a != b {
		t.Fatalf("schedule digest not deterministic")
	}
	c := MilestoneScheduleDigest([]int64{2, 1}, []int64{400, 600})
	if a == c {
		t.Fatalf("schedule digest ignores ordering")
	}
}

func TestParseAddressNormalizesCase(t *testing.T) {
	lower := "0x00000000000000000000000000000000000000ab"
	upper := "0x00000000000000000000000000000000000000AB"
	la, err := ParseAddress(lower)
	if err != nil {
		t.Fatalf("parse lower: %v", err)
	}
	ua, err := ParseAddress(upper)
	if err != nil {
		t.Fatalf("parse upper: %v", err)
	}
	if la != ua {
		t.Fatalf("address parsing is case sensitive")
	}
	if FormatAddress(ua) != lower {
		t.Fatalf("canonical form is not lowercase")
	}
}
