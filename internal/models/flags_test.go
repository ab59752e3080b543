package models

import "testing"

func TestFlagString_CanonicalOrder(t *testing.T) {
	f := FlagDeleted | FlagSeen
	if f.String() != `\Seen \Deleted` {
		t.Errorf("Expected '\\Seen \\Deleted', got '%s'", f.String())
	}
}

func TestFlagString_Empty(t *testing.T) {
	var f Flag
	if f.String() != "" {
		t.Errorf("Expected empty string, got '%s'", f.String())
	}
}

func TestParseFlags_CaseInsensitiveAnyOrder(t *testing.T) {
	f := ParseFlags(`(\deleted \SEEN)`)
	if !f.Has(FlagDeleted) || !f.Has(FlagSeen) {
		t.Errorf("Expected \\Deleted and \\Seen set, got '%s'", f.String())
	}
	if f.Has(FlagFlagged) {
		t.Error("Did not expect \\Flagged")
	}
}

func TestParseFlags_UnknownTokensIgnored(t *testing.T) {
	f := ParseFlags(`(\Recent \Flagged)`)
	if f != FlagFlagged {
		t.Errorf("Expected only \\Flagged, got '%s'", f.String())
	}
}

func TestFlagHas_RequiresAllBits(t *testing.T) {
	f := FlagSeen | FlagDraft
	if !f.Has(FlagSeen) {
		t.Error("Expected Has(FlagSeen) to be true")
	}
	if f.Has(FlagSeen | FlagDeleted) {
		t.Error("Expected Has(Seen|Deleted) to be false")
	}
}

func TestFlagList(t *testing.T) {
	expected := `\Seen \Answered \Flagged \Deleted \Draft`
	if FlagList() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, FlagList())
	}
}
