package service

import (
	"testing"

	"github.com/google/uuid"
)

func TestFuseRRFAgreementWins(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	sources := map[string][]uuid.UUID{
		sourceVector:  {a, b, c},
		sourceLexical: {b, a},
	}

	fused := FuseRRF(sources, 60)
	if len(fused) != 3 {
		t.Fatalf("got %d candidates, want 3", len(fused))
	}
	// a and b appear in both lists, c only in one.
	if fused[2].ID != c {
		t.Fatalf("single-source candidate should rank last, got %s", fused[2].ID)
	}
	if fused[0].RRFScore <= fused[2].RRFScore {
		t.Fatal("two-source candidate must outscore single-source")
	}
}

func TestFuseRRFDeterministicTieBreak(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	// Same rank in disjoint sources: identical score and best rank, so
	// the id decides.
	sources := map[string][]uuid.UUID{
		sourceVector:  {a},
		sourceLexical: {b},
	}

	first := FuseRRF(sources, 60)
	for i := 0; i < 10; i++ {
		again := FuseRRF(sources, 60)
		if again[0].ID != first[0].ID || again[1].ID != first[1].ID {
			t.Fatal("fusion order is not deterministic")
		}
	}
	if first[0].ID.String() > first[1].ID.String() {
		t.Fatal("tie should break by id")
	}
}

func TestFuseRRFRanksRecorded(t *testing.T) {
	a := uuid.New()
	sources := map[string][]uuid.UUID{
		sourceVector:  {uuid.New(), a},
		sourceLexical: {a},
	}

	fused := FuseRRF(sources, 50)
	for _, cand := range fused {
		if cand.ID != a {
			continue
		}
		if cand.Ranks[sourceVector] != 2 || cand.Ranks[sourceLexical] != 1 {
			t.Fatalf("ranks = %v", cand.Ranks)
		}
		if cand.BestRank != 1 {
			t.Fatalf("best rank = %d, want 1", cand.BestRank)
		}
		return
	}
	t.Fatal("candidate missing from fusion output")
}

func TestRRFBandsK(t *testing.T) {
	b := DefaultRRFBands()
	cases := []struct {
		queryLen int
		specific bool
		want     int
	}{
		{10, false, 80},
		{19, false, 80},
		{20, false, 60},
		{49, false, 60},
		{50, false, 50},
		{120, false, 50},
		{10, true, 60},
		{30, true, 40},
		{120, true, 30},
	}
	for _, c := range cases {
		if got := b.K(c.queryLen, c.specific); got != c.want {
			t.Errorf("K(%d, %v) = %d, want %d", c.queryLen, c.specific, got, c.want)
		}
	}
}

func TestRRFBandsFloor(t *testing.T) {
	b := DefaultRRFBands()
	b.SpecificDiscount = 45
	if got := b.K(120, true); got != b.KFloor {
		t.Fatalf("K = %d, want floor %d", got, b.KFloor)
	}
}
