package model

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseExternalID(t *testing.T) {
	tests := []struct {
		input   string
		want    ExternalID
		wantErr bool
	}{
		{"RIC~AAPL.O", ExternalID{"RIC", "AAPL.O"}, false},
		{"BBG~IBM US Equity", ExternalID{"BBG", "IBM US Equity"}, false},
		{"TICKER~A~B", ExternalID{"TICKER", "A~B"}, false},
		{"AAPL.O", ExternalID{}, true},
		{"~AAPL.O", ExternalID{}, true},
		{"RIC~", ExternalID{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseExternalID(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidIdentifier) {
					t.Errorf("ParseExternalID(%q) error = %v, want ErrInvalidIdentifier", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseExternalID(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseExternalID(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if got.String() != tt.input {
				t.Errorf("String() = %q, want %q", got.String(), tt.input)
			}
		})
	}
}

func TestLiveDataSpec_Equality(t *testing.T) {
	ric := NewExternalID("RIC", "AAPL.O")
	bbg := NewExternalID("BBG", "AAPL US Equity")

	a := NewLiveDataSpec("Std", ric, bbg)
	b := NewLiveDataSpec("Std", bbg, ric)
	c := NewLiveDataSpec("Raw", ric, bbg)
	d := NewLiveDataSpec("Std", ric, bbg, ric)

	if !a.Equal(b) {
		t.Error("identifier order should not affect equality")
	}
	if a.Key() != b.Key() {
		t.Errorf("Key() = %q, want %q", a.Key(), b.Key())
	}
	if a.Equal(c) {
		t.Error("different rule sets should not be equal")
	}
	if !a.Equal(d) {
		t.Error("duplicate identifiers should collapse")
	}
	if len(d.IDs()) != 2 {
		t.Errorf("len(IDs()) = %d, want 2", len(d.IDs()))
	}
}

func TestLiveDataSpec_Identifier(t *testing.T) {
	spec := NewLiveDataSpec("", NewExternalID("RIC", "IBM.N"))

	if v, ok := spec.Identifier("RIC"); !ok || v != "IBM.N" {
		t.Errorf("Identifier(RIC) = %q, %v, want IBM.N, true", v, ok)
	}
	if _, ok := spec.Identifier("BBG"); ok {
		t.Error("Identifier(BBG) should not be found")
	}
	if spec.WithRuleSet("Std").RuleSetID() != "Std" {
		t.Error("WithRuleSet did not set rule set")
	}
	if spec.RuleSetID() != "" {
		t.Error("WithRuleSet mutated the receiver")
	}
}

func TestLiveDataSpec_JSON(t *testing.T) {
	spec := NewLiveDataSpec("Std", NewExternalID("RIC", "AAPL.O"))

	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"ids":["RIC~AAPL.O"],"rule_set":"Std"}` {
		t.Errorf("Marshal = %s", data)
	}

	var decoded LiveDataSpec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !decoded.Equal(spec) {
		t.Errorf("decoded = %v, want %v", decoded, spec)
	}

	if err := json.Unmarshal([]byte(`{"ids":["bogus"]}`), &decoded); err == nil {
		t.Error("expected error for malformed identifier")
	}
}

func TestFields_Clone(t *testing.T) {
	f := Fields{"BID": 1.5}
	c := f.Clone()
	c["ASK"] = 2.0

	if _, ok := f["ASK"]; ok {
		t.Error("Clone shares storage with original")
	}
	if Fields(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
