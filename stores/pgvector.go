package stores

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/types"
)

// PgVectorConfig configures the Postgres/pgvector-backed dense searcher.
// 部署在已有 Postgres 的环境时作为 qdrant 的替代后端。
type PgVectorConfig struct {
	DSN   string `json:"dsn"`
	Table string `json:"table"`
}

// PgVectorSearcher implements dense vector search over pgvector.
//
// Expected schema (maintained by the ingestion subsystem):
//
//	chunks(chunk_id text primary key, document_id text, document_name text,
//	       content text, page int, tags text[], created_at timestamptz,
//	       embedding vector(N))
type PgVectorSearcher struct {
	cfg    PgVectorConfig
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgVectorSearcher connects the pool and returns a pgvector searcher.
func NewPgVectorSearcher(ctx context.Context, cfg PgVectorConfig, logger *zap.Logger) (*PgVectorSearcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Table == "" {
		cfg.Table = "chunks"
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	return &PgVectorSearcher{
		cfg:    cfg,
		pool:   pool,
		logger: logger.With(zap.String("component", "pgvector_searcher")),
	}, nil
}

// Close releases the connection pool.
func (s *PgVectorSearcher) Close() { s.pool.Close() }

// SearchByVector runs a cosine similarity search. All filter values are
// bound as parameters, never concatenated into SQL.
func (s *PgVectorSearcher) SearchByVector(
	ctx context.Context,
	vector []float32,
	topK int,
	threshold float64,
	filters types.Filters,
) ([]types.RetrievalCandidate, error) {
	if topK <= 0 {
		topK = 10
	}

	var (
		where []string
		args  []any
	)
	args = append(args, pgvector.NewVector(vector))
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if threshold > 0 {
		where = append(where, fmt.Sprintf("1 - (embedding <=> $1) >= %s", arg(threshold)))
	}
	if len(filters.DocumentIDs) > 0 {
		where = append(where, fmt.Sprintf("document_id = ANY(%s)", arg(filters.DocumentIDs)))
	}
	if len(filters.Tags) > 0 {
		where = append(where, fmt.Sprintf("tags && %s", arg(filters.Tags)))
	}
	if filters.DateRange != nil {
		if !filters.DateRange.Start.IsZero() {
			where = append(where, fmt.Sprintf("created_at >= %s", arg(filters.DateRange.Start)))
		}
		if !filters.DateRange.End.IsZero() {
			where = append(where, fmt.Sprintf("created_at <= %s", arg(filters.DateRange.End)))
		}
	}

	query := fmt.Sprintf(
		`SELECT chunk_id, document_id, document_name, content, COALESCE(page, 0),
		        1 - (embedding <=> $1) AS score
		 FROM %s`, s.cfg.Table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT %s", arg(topK))

	start := time.Now()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var candidates []types.RetrievalCandidate
	for rows.Next() {
		var c types.RetrievalCandidate
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.DocumentName, &c.Content, &c.Page, &c.Score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		c.Channel = types.ChannelDense
		c.Rank = len(candidates) + 1
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector rows: %w", err)
	}

	s.logger.Debug("dense search done",
		zap.Int("hits", len(candidates)),
		zap.Duration("elapsed", time.Since(start)))
	return candidates, nil
}
