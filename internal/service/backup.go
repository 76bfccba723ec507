package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
	"go.uber.org/zap"
)

const backupOutcomeLimit = 10000

// BackupExportOptions selects what goes into a backup.
type BackupExportOptions struct {
	UserID          string
	IncludeTiers    []domain.Tier
	IncludeArchived bool
	IncludeOutcomes bool
	IncludeKg       bool
}

type BackupExport struct {
	ExportedAt time.Time             `json:"exportedAt"`
	SizeBytes  int                   `json:"size_bytes"`
	Payload    *domain.BackupPayload `json:"payload"`
}

type BackupImportOptions struct {
	UserID   string
	Payload  *domain.BackupPayload
	DryRun   bool
	Strategy domain.MergeStrategy
}

type BackupImportResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Deleted  int `json:"deleted"`
	Errors   int `json:"errors"`
}

// BackupService moves one user's corpus in and out of the wire-stable
// payload format. Embeddings are not exported; imported items are
// flagged for reindex instead.
type BackupService struct {
	records  domain.RecordStore
	vectors  domain.VectorIndex
	lexical  domain.LexicalIndex
	outcomes domain.OutcomeLogStore
	ghosts   domain.GhostStore
	kg       domain.KgStore
	profiles domain.ProfileStore
	logger   *zap.Logger
}

func NewBackupService(
	records domain.RecordStore,
	vectors domain.VectorIndex,
	lex domain.LexicalIndex,
	outcomes domain.OutcomeLogStore,
	ghosts domain.GhostStore,
	kg domain.KgStore,
	profiles domain.ProfileStore,
	logger *zap.Logger,
) *BackupService {
	return &BackupService{
		records:  records,
		vectors:  vectors,
		lexical:  lex,
		outcomes: outcomes,
		ghosts:   ghosts,
		kg:       kg,
		profiles: profiles,
		logger:   logger,
	}
}

func (b *BackupService) Export(ctx context.Context, opts BackupExportOptions) (*BackupExport, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrInvalidInput)
	}

	payload := &domain.BackupPayload{
		Version:     domain.BackupVersion,
		ExportedAt:  time.Now().UTC(),
		UserID:      opts.UserID,
		Collections: make(map[string][]json.RawMessage),
		Meta:        domain.BackupMeta{Format: domain.BackupFormat},
	}

	items, err := b.records.Query(ctx, domain.ItemQuery{
		UserID: opts.UserID,
		Tiers:  opts.IncludeTiers,
	})
	if err != nil {
		return nil, fmt.Errorf("export items: %w", err)
	}
	for i := range items {
		if items[i].Status == domain.StatusDeleted {
			continue
		}
		if items[i].Status == domain.StatusArchived && !opts.IncludeArchived {
			continue
		}
		raw, err := json.Marshal(items[i])
		if err != nil {
			return nil, fmt.Errorf("marshal item: %w", err)
		}
		payload.Collections[domain.BackupCollectionItems] = append(
			payload.Collections[domain.BackupCollectionItems], raw)
	}

	if opts.IncludeOutcomes {
		events, err := b.outcomes.ListByUser(ctx, opts.UserID, backupOutcomeLimit)
		if err != nil {
			return nil, fmt.Errorf("export outcomes: %w", err)
		}
		for i := range events {
			raw, err := json.Marshal(events[i])
			if err != nil {
				return nil, fmt.Errorf("marshal outcome: %w", err)
			}
			payload.Collections[domain.BackupCollectionOutcomes] = append(
				payload.Collections[domain.BackupCollectionOutcomes], raw)
		}
	}

	ghosts, err := b.ghosts.List(ctx, opts.UserID)
	if err != nil {
		return nil, fmt.Errorf("export ghosts: %w", err)
	}
	for i := range ghosts {
		raw, err := json.Marshal(ghosts[i])
		if err != nil {
			return nil, fmt.Errorf("marshal ghost: %w", err)
		}
		payload.Collections[domain.BackupCollectionGhosts] = append(
			payload.Collections[domain.BackupCollectionGhosts], raw)
	}

	if opts.IncludeKg {
		nodes, err := b.kg.NodesByUser(ctx, opts.UserID)
		if err != nil {
			return nil, fmt.Errorf("export kg nodes: %w", err)
		}
		for i := range nodes {
			raw, err := json.Marshal(nodes[i])
			if err != nil {
				return nil, fmt.Errorf("marshal kg node: %w", err)
			}
			payload.Collections[domain.BackupCollectionKgNodes] = append(
				payload.Collections[domain.BackupCollectionKgNodes], raw)
		}
		edges, err := b.kg.EdgesByUser(ctx, opts.UserID)
		if err != nil {
			return nil, fmt.Errorf("export kg edges: %w", err)
		}
		for i := range edges {
			raw, err := json.Marshal(edges[i])
			if err != nil {
				return nil, fmt.Errorf("marshal kg edge: %w", err)
			}
			payload.Collections[domain.BackupCollectionKgEdges] = append(
				payload.Collections[domain.BackupCollectionKgEdges], raw)
		}
	}

	if profile, err := b.profiles.Get(ctx, opts.UserID); err == nil {
		raw, err := json.Marshal(profile)
		if err != nil {
			return nil, fmt.Errorf("marshal profile: %w", err)
		}
		payload.Collections[domain.BackupCollectionProfile] = []json.RawMessage{raw}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &BackupExport{
		ExportedAt: payload.ExportedAt,
		SizeBytes:  len(encoded),
		Payload:    payload,
	}, nil
}

// Import restores a payload under the chosen merge strategy. Replace is
// the only destructive path: it drops the user's corpus before loading.
func (b *BackupService) Import(ctx context.Context, opts BackupImportOptions) (*BackupImportResult, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrInvalidInput)
	}
	if opts.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", domain.ErrInvalidInput)
	}
	if err := domain.ValidateBackup(opts.Payload); err != nil {
		return nil, err
	}
	if !domain.ValidMergeStrategy(string(opts.Strategy)) {
		return nil, fmt.Errorf("%w: merge strategy %q", domain.ErrInvalidInput, opts.Strategy)
	}

	result := &BackupImportResult{}

	var incoming []domain.MemoryItem
	for _, raw := range opts.Payload.Collections[domain.BackupCollectionItems] {
		var item domain.MemoryItem
		if err := json.Unmarshal(raw, &item); err != nil {
			result.Errors++
			b.logger.Warn("backup item decode failed", zap.Error(err))
			continue
		}
		item.UserID = opts.UserID
		incoming = append(incoming, item)
	}

	if opts.DryRun {
		result.Inserted = len(incoming)
		return result, nil
	}

	if opts.Strategy == domain.MergeReplace {
		deleted, err := b.records.DeleteByUser(ctx, opts.UserID)
		if err != nil {
			return nil, fmt.Errorf("replace delete: %w", err)
		}
		result.Deleted = int(deleted)
		if err := b.vectors.DeleteByFilter(ctx, opts.UserID, nil, nil); err != nil {
			b.logger.Warn("replace vector delete failed", zap.Error(err))
		}
	}

	for i := range incoming {
		item := &incoming[i]
		existing, err := b.records.GetByID(ctx, opts.UserID, item.MemoryID)
		switch {
		case err == nil:
			if opts.Strategy == domain.MergeSkipExisting {
				result.Skipped++
				continue
			}
			if err := b.records.UpdateContent(ctx, existing.MemoryID, item.Text, item.Tags); err != nil {
				result.Errors++
				continue
			}
			if err := b.records.UpdateTier(ctx, existing.MemoryID, item.Tier, item.ExpiresAt); err != nil {
				result.Errors++
				continue
			}
			result.Updated++
		default:
			// Imported embeddings are never trusted; reindex rebuilds
			// the vector.
			item.NeedsReindex = true
			item.ReindexReason = "imported"
			item.Embedding = domain.EmbeddingMeta{}
			if err := b.records.Insert(ctx, item); err != nil {
				result.Errors++
				b.logger.Warn("backup item insert failed",
					zap.String("memory_id", item.MemoryID.String()), zap.Error(err))
				continue
			}
			if err := b.records.MarkForReindex(ctx, item.MemoryID, "imported"); err != nil {
				b.logger.Warn("backup reindex flag failed", zap.Error(err))
			}
			result.Inserted++
		}
	}

	for _, raw := range opts.Payload.Collections[domain.BackupCollectionGhosts] {
		var g domain.GhostEntry
		if err := json.Unmarshal(raw, &g); err != nil {
			result.Errors++
			continue
		}
		g.UserID = opts.UserID
		if err := b.ghosts.Ghost(ctx, &g); err != nil {
			result.Errors++
		}
	}

	for _, raw := range opts.Payload.Collections[domain.BackupCollectionKgNodes] {
		var n domain.KgNode
		if err := json.Unmarshal(raw, &n); err != nil {
			result.Errors++
			continue
		}
		n.UserID = opts.UserID
		if err := b.kg.UpsertNode(ctx, &n); err != nil {
			result.Errors++
		}
	}
	for _, raw := range opts.Payload.Collections[domain.BackupCollectionKgEdges] {
		var e domain.KgEdge
		if err := json.Unmarshal(raw, &e); err != nil {
			result.Errors++
			continue
		}
		e.UserID = opts.UserID
		if err := b.kg.UpsertEdge(ctx, &e); err != nil {
			result.Errors++
		}
	}

	if raws := opts.Payload.Collections[domain.BackupCollectionProfile]; len(raws) > 0 {
		var p domain.UserProfile
		if err := json.Unmarshal(raws[0], &p); err == nil {
			p.UserID = opts.UserID
			if err := b.profiles.Upsert(ctx, &p); err != nil {
				result.Errors++
			}
		} else {
			result.Errors++
		}
	}

	b.lexical.InvalidateUser(opts.UserID)
	return result, nil
}
