package identity

import "testing"

func TestSanitize_Passthrough(t *testing.T) {
	ids := []string{"alice", "Bob-42", "under_score", "A1-b2_C3"}
	for _, id := range ids {
		if got := Sanitize(id); got != id {
			t.Errorf("Sanitize(%q) = %q, want unchanged", id, got)
		}
	}
}

func TestSanitize_ReplacesDisallowed(t *testing.T) {
	cases := map[string]string{
		"alice@example.com": "alice_example_com",
		"bob smith":         "bob_smith",
		"émile":             "_mile",
		"a/b\\c":            "a_b_c",
		"":                  "",
	}
	for in, want := range cases {
		if got := Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	ids := []string{"alice@example.com", "bob smith", "émile", "weird\tid\n"}
	for _, id := range ids {
		once := Sanitize(id)
		if twice := Sanitize(once); twice != once {
			t.Errorf("Sanitize not idempotent for %q: %q != %q", id, once, twice)
		}
	}
}
