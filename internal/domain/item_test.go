package domain

import "testing"

func TestDetectLanguage(t *testing.T) {
	cases := []struct {
		text string
		want Language
	}{
		{"what did I say about deployment", LanguageEnglish},
		{"מה אמרתי על פריסה", LanguageHebrew},
		{"deploy עם docker", LanguageMixed},
		{"מה זה docker compose setup here", LanguageMixed},
		{"12345 !!!", LanguageNone},
		{"", LanguageNone},
	}
	for _, c := range cases {
		if got := DetectLanguage(c.text); got != c.want {
			t.Errorf("DetectLanguage(%q) = %s, want %s", c.text, got, c.want)
		}
	}
}

func TestNormalizeEntities(t *testing.T) {
	got := NormalizeEntities([]string{" Redis ", "redis", "", "Postgres", "POSTGRES"})
	if len(got) != 2 || got[0] != "redis" || got[1] != "postgres" {
		t.Fatalf("NormalizeEntities = %v", got)
	}
}

func TestNormalizeEntitiesCap(t *testing.T) {
	raw := make([]string, MaxEntities+10)
	for i := range raw {
		raw[i] = string(rune('a'+i%26)) + string(rune('0'+i/26))
	}
	if got := NormalizeEntities(raw); len(got) != MaxEntities {
		t.Fatalf("got %d entities, want cap %d", len(got), MaxEntities)
	}
}

func TestVisible(t *testing.T) {
	item := MemoryItem{Status: StatusActive}
	if !item.Visible() {
		t.Fatal("active item should be visible")
	}
	item.Status = StatusArchived
	if item.Visible() {
		t.Fatal("archived item should not be visible")
	}
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash("the same text")
	b := ContentHash("the same text")
	if a != b {
		t.Fatal("hash not deterministic")
	}
	if a == ContentHash("different text") {
		t.Fatal("distinct texts must not collide here")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
}
