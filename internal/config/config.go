package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by MEMTIER_ENV (or .env by default),
// then loads the corresponding .secret sidecar if it exists. All config is
// flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("MEMTIER_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	_ = godotenv.Load(envFile)
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}

func envDurationMS(key string, def time.Duration) time.Duration {
	ms, err := strconv.Atoi(os.Getenv(key))
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envString(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

// Connections

func DatabaseURL() string { return os.Getenv("DATABASE_URL") }

func QdrantHost() string       { return envString("QDRANT_HOST", "localhost") }
func QdrantPort() int          { return envInt("QDRANT_PORT", 6334) }
func QdrantAPIKey() string     { return os.Getenv("QDRANT_API_KEY") }
func QdrantUseTLS() bool       { return envBool("QDRANT_USE_TLS", false) }
func QdrantCollection() string { return envString("QDRANT_COLLECTION", "memtier_items") }

func OpenAIAPIKey() string { return os.Getenv("OPENAI_API_KEY") }

// EmbeddingProvider is "openai" or "mock".
func EmbeddingProvider() string { return envString("EMBEDDING_PROVIDER", "openai") }
func EmbeddingModel() string    { return envString("EMBEDDING_MODEL", "text-embedding-3-small") }
func EmbeddingDim() int         { return envInt("EMBEDDING_DIM", 1536) }

func RerankerURL() string    { return os.Getenv("RERANKER_URL") }
func RerankerAPIKey() string { return os.Getenv("RERANKER_API_KEY") }
func RerankerModel() string  { return envString("RERANKER_MODEL", "rerank-multilingual-v3") }

func SummarizerModel() string { return envString("SUMMARIZER_MODEL", "gpt-4o-mini") }

// Stage timeouts

func SearchTimeout() time.Duration     { return envDurationMS("SEARCH_TIMEOUT_MS", 15000*time.Millisecond) }
func PrefetchTimeout() time.Duration   { return envDurationMS("PREFETCH_TIMEOUT_MS", 6000*time.Millisecond) }
func EmbedTimeout() time.Duration      { return envDurationMS("EMBED_TIMEOUT_MS", 3000*time.Millisecond) }
func VectorTimeout() time.Duration     { return envDurationMS("VECTOR_TIMEOUT_MS", 10000*time.Millisecond) }
func LexicalTimeout() time.Duration    { return envDurationMS("LEXICAL_TIMEOUT_MS", 1500*time.Millisecond) }
func RerankTimeout() time.Duration     { return envDurationMS("RERANK_TIMEOUT_MS", 2000*time.Millisecond) }
func SummarizerTimeout() time.Duration { return envDurationMS("SUMMARIZER_TIMEOUT_MS", 5000*time.Millisecond) }

// Retrieval caps and weights

func SearchLimitDefault() int        { return envInt("SEARCH_LIMIT_DEFAULT", 10) }
func SearchLimitMax() int            { return envInt("SEARCH_LIMIT_MAX", 50) }
func CandidateFetchMultiplier() int  { return envInt("CANDIDATE_FETCH_MULTIPLIER", 3) }
func RerankK() int                   { return envInt("RERANK_K", 10) }
func RerankMaxChars() int            { return envInt("RERANK_MAX_CHARS", 2000) }
func RerankMaxBatch() int            { return envInt("RERANK_MAX_BATCH", 32) }
func VectorMinScore() float64        { return envFloat("VECTOR_MIN_SCORE", 0.0) }
func CEMultiplierMax() float64       { return envFloat("CE_MULTIPLIER_MAX", 2.0) }
func DistanceReductionMax() float64  { return envFloat("DISTANCE_REDUCTION_MAX", 0.8) }
func HighQualityThreshold() float64  { return envFloat("HIGH_QUALITY_THRESHOLD", 0.8) }
func EntityFilterLimit() int         { return envInt("ENTITY_FILTER_LIMIT", 200) }

// RRF k bands keyed by query length; specific queries subtract
// RRFSpecificDiscount with a floor of RRFKFloor.

func RRFKShort() int            { return envInt("RRF_K_SHORT", 80) }
func RRFKMedium() int           { return envInt("RRF_K_MEDIUM", 60) }
func RRFKLong() int             { return envInt("RRF_K_LONG", 50) }
func RRFShortMaxLen() int       { return envInt("RRF_SHORT_MAX_LEN", 20) }
func RRFMediumMaxLen() int      { return envInt("RRF_MEDIUM_MAX_LEN", 50) }
func RRFSpecificDiscount() int  { return envInt("RRF_SPECIFIC_DISCOUNT", 20) }
func RRFKFloor() int            { return envInt("RRF_K_FLOOR", 30) }

// Promotion and scheduling

func PromoterInterval() time.Duration    { return envDurationMS("PROMOTER_INTERVAL_MS", 30*time.Minute) }
func PromotionMessageTrigger() int       { return envInt("PROMOTION_MESSAGE_TRIGGER", 20) }
func ConsistencyInterval() time.Duration { return envDurationMS("CONSISTENCY_INTERVAL_MS", 15*time.Minute) }
func ConsistencyWarmup() time.Duration   { return envDurationMS("CONSISTENCY_WARMUP_MS", 5*time.Minute) }
func ConsistencySampleSize() int         { return envInt("CONSISTENCY_SAMPLE_SIZE", 200) }

func WorkingTTL() time.Duration  { return envDurationMS("WORKING_TTL_MS", 48*time.Hour) }
func HistoryTTL() time.Duration  { return envDurationMS("HISTORY_TTL_MS", 14*24*time.Hour) }
func PatternsTTL() time.Duration { return envDurationMS("PATTERNS_TTL_MS", 90*24*time.Hour) }

// Reindex

func ReindexBatchSize() int   { return envInt("REINDEX_BATCH_SIZE", 100) }
func ReindexConcurrency() int { return envInt("REINDEX_CONCURRENCY", 5) }

// ReindexRateLimit bounds embed calls per second during bulk reindex so a
// rebuild does not starve interactive traffic.
func ReindexRateLimit() float64 { return envFloat("REINDEX_RATE_LIMIT", 20) }

// Caches

func EmbedCacheSize() int           { return envInt("EMBED_CACHE_SIZE", 4096) }
func EmbedCacheTTL() time.Duration  { return envDurationMS("EMBED_CACHE_TTL_MS", time.Hour) }
func PrefixCacheSize() int          { return envInt("PREFIX_CACHE_SIZE", 2048) }
func PrefixCacheTTL() time.Duration { return envDurationMS("PREFIX_CACHE_TTL_MS", 24*time.Hour) }

// Circuit breakers. Per-dependency overrides use the dependency name as
// prefix, e.g. RERANKER_BREAKER_FAILURES.

func BreakerFailures(dep string) int {
	return envInt(strings.ToUpper(dep)+"_BREAKER_FAILURES", 3)
}

func BreakerSuccesses(dep string) int {
	return envInt(strings.ToUpper(dep)+"_BREAKER_SUCCESSES", 2)
}

func BreakerOpenDuration(dep string) time.Duration {
	return envDurationMS(strings.ToUpper(dep)+"_BREAKER_OPEN_MS", 30*time.Second)
}

func BreakerHalfOpenMax(dep string) int {
	return envInt(strings.ToUpper(dep)+"_BREAKER_HALF_OPEN_MAX", 1)
}

// Cold start

func ColdStartLimit() int     { return envInt("COLD_START_LIMIT", 5) }
func ColdStartQuery() string  { return envString("COLD_START_QUERY", "user preferences and goals") }
func ColdStartHeader() string { return os.Getenv("COLD_START_HEADER") }
func ColdStartFooter() string { return os.Getenv("COLD_START_FOOTER") }

// Recency

func DefaultSortBy() string { return envString("DEFAULT_SORT_BY", "relevance") }

func TemporalKeywords() []string {
	raw := envString("TEMPORAL_KEYWORDS", "yesterday,today,last week,recently,earlier,אתמול,היום,לאחרונה")
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Vector schema validation

func SchemaValidationEnabled() bool     { return envBool("SCHEMA_VALIDATION_ENABLED", true) }
func SchemaValidateOnStartup() bool     { return envBool("SCHEMA_VALIDATE_ON_STARTUP", true) }
func SchemaValidateEvery() time.Duration {
	return envDurationMS("SCHEMA_VALIDATE_EVERY_MS", 10*time.Minute)
}

// SchemaMismatchPolicy is "disable_vector_stage" or "throw".
func SchemaMismatchPolicy() string {
	return envString("SCHEMA_MISMATCH_POLICY", "disable_vector_stage")
}

// Ops server

func OpsPort() int { return envInt("OPS_PORT", 8080) }

func OpsAddr() string { return fmt.Sprintf(":%d", OpsPort()) }

func RateLimitRPS() float64 { return envFloat("RATE_LIMIT_RPS", 100) }

func RateLimitBurst() int { return envInt("RATE_LIMIT_BURST", 20) }

func LogLevel() string { return envString("LOG_LEVEL", "info") }

func MigrationsPath() string { return envString("MIGRATIONS_PATH", "migrations") }
