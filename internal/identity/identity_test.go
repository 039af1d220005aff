package identity

import (
	"reflect"
	"testing"
)

func TestConnectorSlug(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "all"},
		{"empty string", "", "all"},
		{"all literal", "all", "all"},
		{"int", 2, "2"},
		{"numeric string", "03", "3"},
		{"float from json", float64(1), "1"},
		{"non numeric string", "pending", "pending"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ConnectorSlug(tc.in); got != tc.want {
				t.Errorf("ConnectorSlug(%v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}

	n := 4
	if got := ConnectorSlug(&n); got != "4" {
		t.Errorf("ConnectorSlug(*int) = %q, want %q", got, "4")
	}
	var nilPtr *int
	if got := ConnectorSlug(nilPtr); got != "all" {
		t.Errorf("ConnectorSlug(nil *int) = %q, want %q", got, "all")
	}
}

func TestKey(t *testing.T) {
	if got := Key("CP-1", 1); got != "CP-1#1" {
		t.Errorf("Key = %q, want CP-1#1", got)
	}
	if got := Key("CP-1", nil); got != "CP-1#all" {
		t.Errorf("Key = %q, want CP-1#all", got)
	}
}

func TestHasSerial(t *testing.T) {
	cases := []struct {
		key    string
		serial string
		want   bool
	}{
		{"CP-1#1", "CP-1", true},
		{"CP-1#pending", "CP-1", true},
		{"CP-1#all", "CP-1", true},
		{"CP-1", "CP-1", true},
		{"CP-10#1", "CP-1", false},
		{"CP-2#1", "CP-1", false},
	}
	for _, c := range cases {
		if got := HasSerial(c.key, c.serial); got != c.want {
			t.Errorf("HasSerial(%q, %q) = %v, want %v", c.key, c.serial, got, c.want)
		}
	}
}

func TestCandidateKeysExactFirst(t *testing.T) {
	got := CandidateKeys("CP-1", 2, nil)
	if got[0] != "CP-1#2" {
		t.Errorf("first candidate = %q, want exact key CP-1#2", got[0])
	}
}

func TestCandidateKeysNoConnector(t *testing.T) {
	registered := []string{"CP-1#1", "CP-1#2", "CP-2#1"}
	got := CandidateKeys("CP-1", nil, registered)
	want := []string{"CP-1#all", "CP-1#1", "CP-1#2", "CP-1#pending", "CP-1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CandidateKeys = %v, want %v", got, want)
	}
}

// A value stored under the exact key must be reachable via candidate lookup
// with only the serial.
func TestKeyRoundTrip(t *testing.T) {
	store := map[string]string{Key("CP-9", 1): "conn"}

	var registered []string
	for k := range store {
		registered = append(registered, k)
	}

	found := ""
	for _, k := range CandidateKeys("CP-9", nil, registered) {
		if v, ok := store[k]; ok {
			found = v
			break
		}
	}
	if found != "conn" {
		t.Fatalf("candidate lookup by serial failed, got %q", found)
	}
}
