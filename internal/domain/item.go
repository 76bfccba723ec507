package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

type Language string

const (
	LanguageHebrew  Language = "he"
	LanguageEnglish Language = "en"
	LanguageMixed   Language = "mixed"
	LanguageNone    Language = "none"
)

// DetectLanguage classifies text as Hebrew iff it contains more Hebrew
// characters than Latin ones.
func DetectLanguage(text string) Language {
	var hebrew, latin int
	for _, r := range text {
		switch {
		case r >= 0x0590 && r <= 0x05FF:
			hebrew++
		case unicode.In(r, unicode.Latin):
			latin++
		}
	}
	switch {
	case hebrew == 0 && latin == 0:
		return LanguageNone
	case hebrew > latin:
		return LanguageHebrew
	case hebrew > 0:
		return LanguageMixed
	default:
		return LanguageEnglish
	}
}

type SourceKind string

const (
	SourceUser      SourceKind = "user"
	SourceAssistant SourceKind = "assistant"
	SourceTool      SourceKind = "tool"
	SourceDocument  SourceKind = "document"
	SourceSystem    SourceKind = "system"
)

func ValidSourceKind(s string) bool {
	switch SourceKind(s) {
	case SourceUser, SourceAssistant, SourceTool, SourceDocument, SourceSystem:
		return true
	}
	return false
}

// BookMeta carries document-tier provenance for chunked uploads.
type BookMeta struct {
	Title      string `json:"title"`
	Author     string `json:"author,omitempty"`
	ChunkIndex int    `json:"chunk_index"`
	Hash       string `json:"hash,omitempty"`
}

type Source struct {
	Kind           SourceKind `json:"kind"`
	ConversationID string     `json:"conversation_id,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
	ToolName       string     `json:"tool_name,omitempty"`
	DocumentID     string     `json:"document_id,omitempty"`
	Book           *BookMeta  `json:"book,omitempty"`
}

type Quality struct {
	Importance     float64 `json:"importance"`
	Confidence     float64 `json:"confidence"`
	MentionedCount int     `json:"mentioned_count"`
}

// Score is the derived curation quality, importance weighted by confidence.
func (q Quality) Score() float64 {
	return q.Importance * q.Confidence
}

// EmbedText is the text an item is indexed under: the contextual summary
// prefix, when present, followed by the content. Every embed and every
// content hash must go through this so drift checks stay aligned.
func (m *MemoryItem) EmbedText() string {
	if m.Summary == "" {
		return m.Text
	}
	return m.Summary + "\n\n" + m.Text
}

type ItemStats struct {
	Uses         int        `json:"uses"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	WorkedCount  int        `json:"worked_count"`
	FailedCount  int        `json:"failed_count"`
	PartialCount int        `json:"partial_count"`
	UnknownCount int        `json:"unknown_count"`
	SuccessRate  float64    `json:"success_rate"`
	WilsonScore  float64    `json:"wilson_score"`
}

type EmbeddingMeta struct {
	Model         string     `json:"model,omitempty"`
	Dims          int        `json:"dims,omitempty"`
	VectorHash    string     `json:"vector_hash,omitempty"`
	LastIndexedAt *time.Time `json:"last_indexed_at,omitempty"`
}

// MemoryItem is the unit of storage. The record store holds the
// authoritative copy; the vector index holds a derived point per active
// item.
type MemoryItem struct {
	MemoryID uuid.UUID `json:"memory_id"`
	UserID   string    `json:"user_id"`
	OrgID    string    `json:"org_id,omitempty"`

	Tier   Tier   `json:"tier"`
	Status Status `json:"status"`

	Text     string   `json:"text"`
	Summary  string   `json:"summary,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Entities []string `json:"entities,omitempty"`

	Source  Source    `json:"source"`
	Quality Quality   `json:"quality"`
	Stats   ItemStats `json:"stats"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	Embedding EmbeddingMeta `json:"embedding"`

	CurrentVersion     int        `json:"current_version"`
	SupersedesMemoryID *uuid.UUID `json:"supersedes_memory_id,omitempty"`

	SourcePersonalityID   string `json:"source_personality_id,omitempty"`
	SourcePersonalityName string `json:"source_personality_name,omitempty"`

	Language      Language `json:"language"`
	AlwaysInject  bool     `json:"always_inject"`
	NeedsReindex  bool     `json:"needs_reindex"`
	ReindexReason string   `json:"reindex_reason,omitempty"`
}

// Visible reports whether the item is a retrieval candidate. Ghosting is
// applied separately by the ghost registry.
func (m *MemoryItem) Visible() bool {
	return m.Status == StatusActive
}

const MaxEntities = 32

// NormalizeEntities lowercases, trims, dedupes and caps entity tokens.
func NormalizeEntities(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
		if len(out) >= MaxEntities {
			break
		}
	}
	return out
}

// ContentHash is the canonical hash used for vector_hash bookkeeping.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
