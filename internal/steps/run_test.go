package steps

import "testing"

func TestParseVerdictApproved(t *testing.T) {
	content := "Looks good to me.\n{\"approved\": true, \"summary\": \"ship it\"}"
	v := parseVerdict(content)
	if !v.Approved {
		t.Fatalf("expected approved verdict")
	}
	if v.Summary != "ship it" {
		t.Fatalf("summary = %q, want %q", v.Summary, "ship it")
	}
}

func TestParseVerdictRejected(t *testing.T) {
	v := parseVerdict("Needs work.\n{\"approved\": false, \"summary\": \"missing tests\"}")
	if v.Approved {
		t.Fatalf("expected rejected verdict")
	}
}

func TestParseVerdictMissingObject(t *testing.T) {
	v := parseVerdict("just some prose with no verdict")
	if v.Approved {
		t.Fatalf("expected a missing verdict to default to not approved")
	}
}

func TestParseVerdictMalformedObject(t *testing.T) {
	v := parseVerdict("trailing braces but not json {not valid}")
	if v.Approved {
		t.Fatalf("expected a malformed verdict to default to not approved")
	}
}
