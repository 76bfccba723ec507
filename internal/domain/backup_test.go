package domain

import (
	"errors"
	"testing"
)

func TestValidateBackupVersionGate(t *testing.T) {
	p := &BackupPayload{Version: "2.0", Meta: BackupMeta{Format: BackupFormat}}
	if err := ValidateBackup(p); err != nil {
		t.Fatalf("2.0 payload rejected: %v", err)
	}

	p.Version = "2.7"
	if err := ValidateBackup(p); err != nil {
		t.Fatalf("2.7 payload rejected: %v", err)
	}

	p.Version = "1.9"
	if err := ValidateBackup(p); !errors.Is(err, ErrConflict) {
		t.Fatalf("1.9 payload accepted, err = %v", err)
	}

	p.Version = "3.0"
	if err := ValidateBackup(p); !errors.Is(err, ErrConflict) {
		t.Fatalf("3.0 payload accepted, err = %v", err)
	}
}

func TestValidateBackupFormatMarker(t *testing.T) {
	p := &BackupPayload{Version: BackupVersion, Meta: BackupMeta{Format: "something_else"}}
	if err := ValidateBackup(p); !errors.Is(err, ErrConflict) {
		t.Fatalf("unknown format accepted, err = %v", err)
	}
}

func TestOutcomeFromFeedback(t *testing.T) {
	cases := []struct {
		score int
		want  Outcome
		ok    bool
	}{
		{1, OutcomeWorked, true},
		{0, OutcomePartial, true},
		{-1, OutcomeFailed, true},
		{2, OutcomeUnknown, false},
	}
	for _, c := range cases {
		got, ok := OutcomeFromFeedback(c.score)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("OutcomeFromFeedback(%d) = (%s, %v), want (%s, %v)", c.score, got, ok, c.want, c.ok)
		}
	}
}
