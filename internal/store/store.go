package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// MaxBatchFailures is the number of individual upsert failures tolerated in
// one batch before the write aborts. Records written before the abort stay
// committed; each upsert is independent.
const MaxBatchFailures = 10

// ErrBatchAborted marks a batch write that stopped past MaxBatchFailures.
var ErrBatchAborted = errors.New("batch aborted")

// Lead is a scored source persisted at a deterministic identifier derived
// from its URL. Re-ingesting the same URL overwrites scores in place.
type Lead struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	URL              string    `json:"url"`
	Snippet          string    `json:"snippet"`
	Date             string    `json:"date"`
	ReliabilityScore float64   `json:"reliability_score"`
	UrgencyScore     float64   `json:"urgency_score"`
	TotalScore       float64   `json:"total_score"`
	TopIndicators    []string  `json:"top_indicators"`
	Summary          string    `json:"summary"`
	ObservedAt       time.Time `json:"observed_at"`
}

type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// UpsertLead writes a lead at its identifier, overwriting scores on conflict.
// Calling twice with identical input is a no-op the second time; calling with
// updated scores replaces them outright, so total_score never drifts from
// stale inputs.
func (s *Store) UpsertLead(ctx context.Context, lead Lead, embedding []float32) error {
	if lead.ID == "" {
		return fmt.Errorf("lead id required")
	}
	vectorLiteral, err := encodeVectorLiteral(embedding)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO leads (id, title, url, snippet, date, reliability_score, urgency_score, total_score, top_indicators, summary, embedding, observed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::vector,NOW())
ON CONFLICT (id) DO UPDATE SET
  title = EXCLUDED.title,
  url = EXCLUDED.url,
  snippet = EXCLUDED.snippet,
  date = EXCLUDED.date,
  reliability_score = EXCLUDED.reliability_score,
  urgency_score = EXCLUDED.urgency_score,
  total_score = EXCLUDED.total_score,
  top_indicators = EXCLUDED.top_indicators,
  summary = EXCLUDED.summary,
  embedding = EXCLUDED.embedding,
  observed_at = NOW();
`, lead.ID, lead.Title, lead.URL, lead.Snippet, lead.Date,
		lead.ReliabilityScore, lead.UrgencyScore, lead.TotalScore,
		pq.Array(lead.TopIndicators), lead.Summary, vectorLiteral)
	if err != nil {
		return fmt.Errorf("upsert lead %s: %w", lead.ID, err)
	}
	return nil
}

// UpsertLeads writes a batch one record at a time. Individual failures are
// counted and skipped; past MaxBatchFailures the batch aborts and the first
// failure is returned. There is no transaction, so everything written before
// the abort remains committed.
func (s *Store) UpsertLeads(ctx context.Context, leads []Lead, embeddings [][]float32) (written int, err error) {
	if len(embeddings) != len(leads) {
		return 0, fmt.Errorf("embeddings count %d does not match leads count %d", len(embeddings), len(leads))
	}
	var firstErr error
	failures := 0
	for i, lead := range leads {
		if uerr := s.UpsertLead(ctx, lead, embeddings[i]); uerr != nil {
			failures++
			if firstErr == nil {
				firstErr = uerr
			}
			if failures > MaxBatchFailures {
				return written, fmt.Errorf("%w after %d failures: %v", ErrBatchAborted, failures, firstErr)
			}
			continue
		}
		written++
	}
	if firstErr != nil {
		return written, firstErr
	}
	return written, nil
}

// RecentLeads returns the most recently observed leads, newest first. The
// pipeline feeds these back as conversational context for the next run.
func (s *Store) RecentLeads(ctx context.Context, limit int) ([]Lead, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, title, url, snippet, date, reliability_score, urgency_score, total_score, top_indicators, summary, observed_at
FROM leads
ORDER BY observed_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLeads(rows)
}

// TopLeads returns the highest-scoring leads.
func (s *Store) TopLeads(ctx context.Context, limit int) ([]Lead, error) {
	if limit <= 0 {
		limit = 15
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, title, url, snippet, date, reliability_score, urgency_score, total_score, top_indicators, summary, observed_at
FROM leads
ORDER BY total_score DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLeads(rows)
}

// SearchLeads returns the nearest leads to the supplied embedding. This is an
// inspection path, not part of the scoring pipeline.
func (s *Store) SearchLeads(ctx context.Context, vector []float32, topK int) ([]Lead, error) {
	if topK <= 0 {
		topK = 5
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, title, url, snippet, date, reliability_score, urgency_score, total_score, top_indicators, summary, observed_at
FROM leads
ORDER BY embedding <=> $1::vector
LIMIT $2
`, vecLiteral, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLeads(rows)
}

func scanLeads(rows *sql.Rows) ([]Lead, error) {
	var leads []Lead
	for rows.Next() {
		var lead Lead
		if err := rows.Scan(&lead.ID, &lead.Title, &lead.URL, &lead.Snippet, &lead.Date,
			&lead.ReliabilityScore, &lead.UrgencyScore, &lead.TotalScore,
			pq.Array(&lead.TopIndicators), &lead.Summary, &lead.ObservedAt); err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
