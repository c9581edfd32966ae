package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// Vectors are computed per query; the tables are small enough that this
// stays acceptable while Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across questions and active threads
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultQuestion {
		where := fmt.Sprintf("to_tsvector('english', q.title || ' ' || q.content) @@ %s", tsQuery)
		if q.FilterTag != "" {
			where += fmt.Sprintf(" AND q.tags @> to_jsonb($%d::text)", argN)
			args = append(args, q.FilterTag)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'question'::text AS type, q.id, q.title,
				ts_headline('english', q.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				q.tags, q.author_id,
				ts_rank(to_tsvector('english', q.title || ' ' || q.content), %s) AS rank
			FROM questions q
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultThread {
		where := fmt.Sprintf("t.is_active AND NOT t.is_closed AND to_tsvector('english', t.title || ' ' || t.description) @@ %s", tsQuery)
		if q.FilterTag != "" {
			where += fmt.Sprintf(" AND t.tags @> to_jsonb($%d::text)", argN)
			args = append(args, q.FilterTag)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'thread'::text AS type, t.id, t.title,
				ts_headline('english', t.description, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				t.tags, t.creator_id AS author_id,
				ts_rank(to_tsvector('english', t.title || ' ' || t.description), %s) AS rank
			FROM threads t
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, tags, author_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		var tagsJSON []byte
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &tagsJSON, &r.AuthorID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &r.Tags); err != nil {
				return nil, 0, fmt.Errorf("pgfts decode tags: %w", err)
			}
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]QuestionRecord, []ThreadRecord, error) {
	questionRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, content, tags, author_id
		FROM questions
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load questions: %w", err)
	}
	defer questionRows.Close()

	questions := make([]QuestionRecord, 0)
	for questionRows.Next() {
		var q QuestionRecord
		var tagsJSON []byte
		if err := questionRows.Scan(&q.ID, &q.Title, &q.Content, &tagsJSON, &q.AuthorID); err != nil {
			return nil, nil, fmt.Errorf("scan question: %w", err)
		}
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &q.Tags); err != nil {
				return nil, nil, fmt.Errorf("decode question tags: %w", err)
			}
		}
		questions = append(questions, q)
	}
	if err := questionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate questions: %w", err)
	}

	threadRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, description, tags, creator_id
		FROM threads
		WHERE is_active AND NOT is_closed
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load threads: %w", err)
	}
	defer threadRows.Close()

	threads := make([]ThreadRecord, 0)
	for threadRows.Next() {
		var t ThreadRecord
		var tagsJSON []byte
		if err := threadRows.Scan(&t.ID, &t.Title, &t.Description, &tagsJSON, &t.CreatorID); err != nil {
			return nil, nil, fmt.Errorf("scan thread: %w", err)
		}
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &t.Tags); err != nil {
				return nil, nil, fmt.Errorf("decode thread tags: %w", err)
			}
		}
		threads = append(threads, t)
	}
	if err := threadRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate threads: %w", err)
	}

	return questions, threads, nil
}
