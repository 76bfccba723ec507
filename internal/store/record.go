package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bricksllm/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// RecordStore is the authoritative store for memory items. The embedding
// column is a durable copy of whatever the vector index holds.
type RecordStore struct {
	db *pgxpool.Pool
}

var _ domain.RecordStore = (*RecordStore)(nil)

func NewRecordStore(db *pgxpool.Pool) *RecordStore {
	return &RecordStore{db: db}
}

const itemColumns = `memory_id, user_id, org_id, tier, status,
	text_content, summary, tags, entities, source,
	importance, confidence, mentioned_count,
	uses, last_used_at, worked_count, failed_count, partial_count, unknown_count,
	success_rate, wilson_score,
	created_at, updated_at, archived_at, expires_at,
	embedding_model, embedding_dims, vector_hash, last_indexed_at,
	current_version, supersedes_memory_id,
	source_personality_id, source_personality_name,
	language, always_inject, needs_reindex, reindex_reason`

func (s *RecordStore) Insert(ctx context.Context, m *domain.MemoryItem) error {
	if m.MemoryID == uuid.Nil {
		m.MemoryID = uuid.New()
	}
	if m.Status == "" {
		m.Status = domain.StatusActive
	}
	if m.Language == "" {
		m.Language = domain.DetectLanguage(m.Text)
	}
	if m.CurrentVersion == 0 {
		m.CurrentVersion = 1
	}
	if m.Stats.WilsonScore == 0 && m.Stats.WorkedCount == 0 && m.Stats.FailedCount == 0 {
		m.Stats.WilsonScore = domain.InitialWilsonScore
	}
	m.Entities = domain.NormalizeEntities(m.Entities)

	sourceJSON, err := json.Marshal(m.Source)
	if err != nil {
		return fmt.Errorf("marshal source: %w", err)
	}

	err = s.db.QueryRow(ctx,
		`INSERT INTO memory_items (
			memory_id, user_id, org_id, tier, status,
			text_content, summary, tags, entities, source,
			importance, confidence, mentioned_count,
			uses, worked_count, failed_count, partial_count, unknown_count,
			success_rate, wilson_score,
			expires_at, current_version, supersedes_memory_id,
			source_personality_id, source_personality_name,
			language, always_inject
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20,
			$21, $22, $23,
			$24, $25,
			$26, $27
		) RETURNING created_at, updated_at`,
		m.MemoryID, m.UserID, m.OrgID, m.Tier, m.Status,
		m.Text, m.Summary, m.Tags, m.Entities, sourceJSON,
		m.Quality.Importance, m.Quality.Confidence, m.Quality.MentionedCount,
		m.Stats.Uses, m.Stats.WorkedCount, m.Stats.FailedCount, m.Stats.PartialCount, m.Stats.UnknownCount,
		m.Stats.SuccessRate, m.Stats.WilsonScore,
		m.ExpiresAt, m.CurrentVersion, m.SupersedesMemoryID,
		m.SourcePersonalityID, m.SourcePersonalityName,
		m.Language, m.AlwaysInject,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return insertErr(err, m.MemoryID)
	}
	return nil
}

// pgUniqueViolation is the Postgres error code for duplicate keys.
const pgUniqueViolation = "23505"

// insertErr maps unique-constraint violations onto the domain conflict
// sentinel so callers can errors.Is instead of inspecting pg codes.
func insertErr(err error, id uuid.UUID) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: memory_id %s already exists", domain.ErrConflict, id)
	}
	return fmt.Errorf("insert memory item: %w", err)
}

func (s *RecordStore) GetByID(ctx context.Context, userID string, id uuid.UUID) (*domain.MemoryItem, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM memory_items WHERE memory_id = $1 AND user_id = $2`,
		id, userID)
	m, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (s *RecordStore) GetByIDs(ctx context.Context, userID string, ids []uuid.UUID) ([]domain.MemoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+itemColumns+` FROM memory_items
		 WHERE user_id = $1 AND memory_id = ANY($2)`,
		userID, ids)
	if err != nil {
		return nil, fmt.Errorf("get by ids: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *RecordStore) Query(ctx context.Context, q domain.ItemQuery) ([]domain.MemoryItem, error) {
	var conditions []string
	var args []any

	conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)+1))
	args = append(args, q.UserID)

	if len(q.Tiers) > 0 {
		tiers := make([]string, len(q.Tiers))
		for i, t := range q.Tiers {
			tiers[i] = string(t)
		}
		conditions = append(conditions, fmt.Sprintf("tier = ANY($%d)", len(args)+1))
		args = append(args, tiers)
	}
	if q.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, string(*q.Status))
	}
	if len(q.Tags) > 0 {
		conditions = append(conditions, fmt.Sprintf("tags && $%d", len(args)+1))
		args = append(args, q.Tags)
	}
	if q.Since != nil {
		conditions = append(conditions, fmt.Sprintf("updated_at >= $%d", len(args)+1))
		args = append(args, *q.Since)
	}
	if q.NeedsReindex != nil {
		conditions = append(conditions, fmt.Sprintf("needs_reindex = $%d", len(args)+1))
		args = append(args, *q.NeedsReindex)
	}
	if q.AlwaysInject != nil {
		conditions = append(conditions, fmt.Sprintf("always_inject = $%d", len(args)+1))
		args = append(args, *q.AlwaysInject)
	}
	if q.CursorAt != nil && q.CursorID != nil {
		conditions = append(conditions, fmt.Sprintf(
			"(updated_at < $%d OR (updated_at = $%d AND memory_id > $%d))",
			len(args)+1, len(args)+1, len(args)+2))
		args = append(args, *q.CursorAt, *q.CursorID)
	}

	query := fmt.Sprintf(
		`SELECT `+itemColumns+` FROM memory_items
		 WHERE %s ORDER BY updated_at DESC, memory_id`,
		strings.Join(conditions, " AND "))
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// ApplyOutcome increments the matching counter and uses inside a row
// lock, then recomputes success_rate and wilson_score from the new
// counters.
func (s *RecordStore) ApplyOutcome(ctx context.Context, id uuid.UUID, outcome domain.Outcome, at time.Time) (*domain.MemoryItem, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM memory_items WHERE memory_id = $1 FOR UPDATE`,
		id)
	m, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	switch outcome {
	case domain.OutcomeWorked:
		m.Stats.WorkedCount++
	case domain.OutcomeFailed:
		m.Stats.FailedCount++
	case domain.OutcomePartial:
		m.Stats.PartialCount++
	case domain.OutcomeUnknown:
		m.Stats.UnknownCount++
	default:
		return nil, fmt.Errorf("%w: outcome %q", domain.ErrInvalidInput, outcome)
	}
	m.Stats.Uses++
	m.Stats.LastUsedAt = &at
	domain.RecomputeStats(&m.Stats)

	_, err = tx.Exec(ctx,
		`UPDATE memory_items SET
			uses = $2, last_used_at = $3,
			worked_count = $4, failed_count = $5, partial_count = $6, unknown_count = $7,
			success_rate = $8, wilson_score = $9,
			updated_at = NOW()
		 WHERE memory_id = $1`,
		id,
		m.Stats.Uses, at,
		m.Stats.WorkedCount, m.Stats.FailedCount, m.Stats.PartialCount, m.Stats.UnknownCount,
		m.Stats.SuccessRate, m.Stats.WilsonScore,
	)
	if err != nil {
		return nil, fmt.Errorf("apply outcome: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit outcome: %w", err)
	}
	m.UpdatedAt = time.Now()
	return m, nil
}

func (s *RecordStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.Status, reason string) error {
	archivedAt := "NULL"
	if status == domain.StatusArchived {
		archivedAt = "NOW()"
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE memory_items SET status = $2, archived_at = `+archivedAt+`, updated_at = NOW()
		 WHERE memory_id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *RecordStore) UpdateTier(ctx context.Context, id uuid.UUID, tier domain.Tier, expiresAt *time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE memory_items SET tier = $2, expires_at = $3, updated_at = NOW()
		 WHERE memory_id = $1`,
		id, tier, expiresAt)
	if err != nil {
		return fmt.Errorf("update tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateContent rewrites the text and tags, bumps current_version and
// flags the row for reindexing.
func (s *RecordStore) UpdateContent(ctx context.Context, id uuid.UUID, text string, tags []string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE memory_items SET
			text_content = $2, tags = $3, language = $4,
			current_version = current_version + 1,
			needs_reindex = TRUE, reindex_reason = 'content_updated',
			updated_at = NOW()
		 WHERE memory_id = $1`,
		id, text, tags, domain.DetectLanguage(text))
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *RecordStore) MarkForReindex(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE memory_items SET needs_reindex = TRUE, reindex_reason = $2, updated_at = NOW()
		 WHERE memory_id = $1`,
		id, reason)
	if err != nil {
		return fmt.Errorf("mark for reindex: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *RecordStore) SanitizeContent(ctx context.Context, id uuid.UUID, cleanText, originalText string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE memory_items SET
			text_content = $2, text_backup = $3,
			needs_reindex = TRUE, reindex_reason = 'sanitized',
			updated_at = NOW()
		 WHERE memory_id = $1`,
		id, cleanText, originalText)
	if err != nil {
		return fmt.Errorf("sanitize content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *RecordStore) StoreEmbedding(ctx context.Context, id uuid.UUID, vector []float32, meta domain.EmbeddingMeta) error {
	vec := pgvector.NewVector(vector)
	indexedAt := meta.LastIndexedAt
	if indexedAt == nil {
		now := time.Now()
		indexedAt = &now
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE memory_items SET
			embedding = $2, embedding_model = $3, embedding_dims = $4,
			vector_hash = $5, last_indexed_at = $6,
			needs_reindex = FALSE, reindex_reason = ''
		 WHERE memory_id = $1`,
		id, vec, meta.Model, meta.Dims, meta.VectorHash, indexedAt)
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *RecordStore) GetEmbedding(ctx context.Context, id uuid.UUID) ([]float32, error) {
	var vec *pgvector.Vector
	err := s.db.QueryRow(ctx,
		`SELECT embedding FROM memory_items WHERE memory_id = $1`,
		id,
	).Scan(&vec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	if vec == nil {
		return nil, nil
	}
	return vec.Slice(), nil
}

func (s *RecordStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT user_id FROM memory_items ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *RecordStore) CountByTier(ctx context.Context, userID string) (map[domain.Tier]domain.TierCounts, error) {
	rows, err := s.db.Query(ctx,
		`SELECT tier,
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'archived'),
			COALESCE(AVG(success_rate) FILTER (WHERE worked_count + failed_count > 0), 0)
		 FROM memory_items WHERE user_id = $1 GROUP BY tier`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("count by tier: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Tier]domain.TierCounts)
	for rows.Next() {
		var tier domain.Tier
		var c domain.TierCounts
		if err := rows.Scan(&tier, &c.Active, &c.Archived, &c.SuccessRate); err != nil {
			return nil, fmt.Errorf("scan tier counts: %w", err)
		}
		out[tier] = c
	}
	return out, rows.Err()
}

func (s *RecordStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM memory_items WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete by user: %w", err)
	}
	return tag.RowsAffected(), nil
}

// WithItemLock runs fn while holding a per-item advisory lock, so
// outcome recording and promotion never interleave for the same item.
func (s *RecordStore) WithItemLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx,
		`SELECT pg_advisory_lock(hashtextextended($1, 0))`, id.String()); err != nil {
		return fmt.Errorf("acquire item lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx),
			`SELECT pg_advisory_unlock(hashtextextended($1, 0))`, id.String())
	}()

	return fn(ctx)
}

func scanItem(row pgx.Row) (*domain.MemoryItem, error) {
	m := &domain.MemoryItem{}
	var sourceJSON []byte
	err := row.Scan(
		&m.MemoryID, &m.UserID, &m.OrgID, &m.Tier, &m.Status,
		&m.Text, &m.Summary, &m.Tags, &m.Entities, &sourceJSON,
		&m.Quality.Importance, &m.Quality.Confidence, &m.Quality.MentionedCount,
		&m.Stats.Uses, &m.Stats.LastUsedAt, &m.Stats.WorkedCount, &m.Stats.FailedCount,
		&m.Stats.PartialCount, &m.Stats.UnknownCount,
		&m.Stats.SuccessRate, &m.Stats.WilsonScore,
		&m.CreatedAt, &m.UpdatedAt, &m.ArchivedAt, &m.ExpiresAt,
		&m.Embedding.Model, &m.Embedding.Dims, &m.Embedding.VectorHash, &m.Embedding.LastIndexedAt,
		&m.CurrentVersion, &m.SupersedesMemoryID,
		&m.SourcePersonalityID, &m.SourcePersonalityName,
		&m.Language, &m.AlwaysInject, &m.NeedsReindex, &m.ReindexReason,
	)
	if err != nil {
		return nil, err
	}
	if len(sourceJSON) > 0 {
		if err := json.Unmarshal(sourceJSON, &m.Source); err != nil {
			return nil, fmt.Errorf("unmarshal source: %w", err)
		}
	}
	return m, nil
}

func collectItems(rows pgx.Rows) ([]domain.MemoryItem, error) {
	var items []domain.MemoryItem
	for rows.Next() {
		m, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory item: %w", err)
		}
		items = append(items, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory item rows: %w", err)
	}
	return items, nil
}
