package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Backup wire format. The version gate is strict: anything outside the
// 2.x line is rejected.
const (
	BackupVersion      = "2.1"
	BackupVersionMajor = "2."
	BackupFormat       = "bricksllm_backup"
)

type BackupMeta struct {
	Format string `json:"format"`
}

type BackupPayload struct {
	Version     string                       `json:"version"`
	ExportedAt  time.Time                    `json:"exportedAt"`
	UserID      string                       `json:"userId"`
	Collections map[string][]json.RawMessage `json:"collections"`
	Meta        BackupMeta                   `json:"meta"`
}

// Collection names inside a backup payload.
const (
	BackupCollectionItems    = "memory_items"
	BackupCollectionOutcomes = "outcome_events"
	BackupCollectionGhosts   = "ghosts"
	BackupCollectionKgNodes  = "kg_nodes"
	BackupCollectionKgEdges  = "kg_edges"
	BackupCollectionProfile  = "profile"
)

type MergeStrategy string

const (
	MergeReplace      MergeStrategy = "replace"
	MergeMerge        MergeStrategy = "merge"
	MergeSkipExisting MergeStrategy = "skip_existing"
)

func ValidMergeStrategy(s string) bool {
	switch MergeStrategy(s) {
	case MergeReplace, MergeMerge, MergeSkipExisting:
		return true
	}
	return false
}

// ValidateBackup checks the version gate and format marker.
func ValidateBackup(p *BackupPayload) error {
	if p.Meta.Format != BackupFormat {
		return fmt.Errorf("%w: unknown backup format %q", ErrConflict, p.Meta.Format)
	}
	if !strings.HasPrefix(p.Version, BackupVersionMajor) {
		return fmt.Errorf("%w: incompatible backup version %q", ErrConflict, p.Version)
	}
	return nil
}
