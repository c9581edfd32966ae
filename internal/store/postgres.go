package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrThreadClosed is returned by mutating operations when the target thread
// has already been closed (resolved or expired).
var ErrThreadClosed = errors.New("thread closed")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) EnsureUserByHandle(ctx context.Context, handle string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, handle, display_name FROM users WHERE handle=$1
	`, handle).Scan(&user.ID, &user.Handle, &user.DisplayName)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (handle, display_name)
		VALUES ($1, $1)
		ON CONFLICT (handle) DO UPDATE SET handle=EXCLUDED.handle
		RETURNING id, handle, display_name
	`, handle).Scan(&user.ID, &user.Handle, &user.DisplayName)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, handle, display_name FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Handle, &user.DisplayName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ResolveHandles maps handles to user ids, preserving input order and
// silently dropping handles with no matching user.
func (s *PostgresStore) ResolveHandles(ctx context.Context, handles []string) ([]string, error) {
	ids := make([]string, 0, len(handles))
	for _, handle := range handles {
		var id string
		err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE handle=$1`, handle).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve handle %s: %w", handle, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) error {
	tags, err := json.Marshal(nonNilTags(thread.Tags))
	if err != nil {
		return fmt.Errorf("marshal thread tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert thread: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads (id, title, description, tags, creator_id, max_duration_seconds)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
	`, thread.ID, thread.Title, thread.Description, string(tags), thread.CreatorID, int(thread.MaxDuration.Seconds())); err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO thread_participants (thread_id, user_id)
		VALUES ($1, $2)
	`, thread.ID, thread.CreatorID); err != nil {
		return fmt.Errorf("insert creator participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert thread: %w", err)
	}
	return nil
}

const threadColumns = `
	id, title, description, tags::text, creator_id, is_active, is_closed,
	COALESCE(resolved_message_id, ''), COALESCE(converted_question_id, ''),
	max_duration_seconds, last_activity_at, created_at
`

func scanThread(row interface{ Scan(...any) error }) (Thread, error) {
	var item Thread
	var tagsRaw string
	var maxDurationSeconds int
	if err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Description,
		&tagsRaw,
		&item.CreatorID,
		&item.IsActive,
		&item.IsClosed,
		&item.ResolvedMessageID,
		&item.ConvertedQuestionID,
		&maxDurationSeconds,
		&item.LastActivityAt,
		&item.CreatedAt,
	); err != nil {
		return Thread{}, err
	}
	_ = json.Unmarshal([]byte(tagsRaw), &item.Tags)
	item.MaxDuration = time.Duration(maxDurationSeconds) * time.Second
	return item, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id=$1`, threadID)
	return scanThread(row)
}

func (s *PostgresStore) ListActiveThreads(ctx context.Context, limit, offset int) ([]Thread, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM threads WHERE is_active AND NOT is_closed
	`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count active threads: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE is_active AND NOT is_closed
		ORDER BY last_activity_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list active threads: %w", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	for rows.Next() {
		item, err := scanThread(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate threads: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, threadID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, joined_at
		FROM thread_participants
		WHERE thread_id=$1
		ORDER BY joined_at ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		var item Participant
		if err := rows.Scan(&item.UserID, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

// lockOpenThread row-locks the thread inside tx and fails with ErrThreadClosed
// if it has already been closed. Serializes joins and messages against a
// concurrent closure claim on the same row.
func lockOpenThread(ctx context.Context, tx *sql.Tx, threadID string) error {
	var closed bool
	err := tx.QueryRowContext(ctx, `
		SELECT is_closed FROM threads WHERE id=$1 FOR UPDATE
	`, threadID).Scan(&closed)
	if err != nil {
		return err
	}
	if closed {
		return ErrThreadClosed
	}
	return nil
}

// JoinThread appends userID to the roster unless already present, bumping the
// activity timestamp only on a fresh join. Fails with ErrThreadClosed on a
// closed thread and sql.ErrNoRows on a missing one.
func (s *PostgresStore) JoinThread(ctx context.Context, threadID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin join thread: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockOpenThread(ctx, tx, threadID); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO thread_participants (thread_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (thread_id, user_id) DO NOTHING
	`, threadID, userID)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	joined, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert participant rows: %w", err)
	}

	if joined > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE threads SET last_activity_at=NOW() WHERE id=$1
		`, threadID); err != nil {
			return fmt.Errorf("bump thread activity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit join thread: %w", err)
	}
	return nil
}

// InsertMessage persists a message and bumps the thread's activity timestamp
// as one atomic unit. Fails with ErrThreadClosed on a closed thread.
func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	mentions, err := json.Marshal(nonNilTags(message.Mentions))
	if err != nil {
		return fmt.Errorf("marshal message mentions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockOpenThread(ctx, tx, message.ThreadID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, author_id, content, mentions)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, message.ID, message.ThreadID, message.AuthorID, message.Content, string(mentions)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE threads SET last_activity_at=NOW() WHERE id=$1
	`, message.ThreadID); err != nil {
		return fmt.Errorf("bump thread activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert message: %w", err)
	}
	return nil
}

const messageColumns = `
	id, thread_id, author_id, content, mentions::text, is_marked_as_answer, created_at
`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var item Message
	var mentionsRaw string
	if err := row.Scan(
		&item.ID,
		&item.ThreadID,
		&item.AuthorID,
		&item.Content,
		&mentionsRaw,
		&item.IsMarkedAsAnswer,
		&item.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	_ = json.Unmarshal([]byte(mentionsRaw), &item.Mentions)
	return item, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, threadID, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE thread_id=$1 AND id=$2
	`, threadID, messageID)
	return scanMessage(row)
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id=$1
		ORDER BY created_at ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// ListExpiredThreads returns open threads whose inactivity budget ran out
// before now.
func (s *PostgresStore) ListExpiredThreads(ctx context.Context, now time.Time) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE is_active AND NOT is_closed
		  AND last_activity_at < $1::timestamptz - make_interval(secs => max_duration_seconds)
		ORDER BY last_activity_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired threads: %w", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	for rows.Next() {
		item, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired threads: %w", err)
	}
	return items, nil
}

// ConvertThreadParams carries everything the conversion transaction writes.
// ResolvedMessageID and Answer are empty/nil on the expiry path.
type ConvertThreadParams struct {
	ThreadID          string
	ResolvedMessageID string
	Question          Question
	Answer            *Answer
}

// ConvertThread closes the thread and materializes the permanent Question
// (and accepted Answer, on explicit resolution) in a single transaction.
// The closure claim is a conditional update: exactly one of two racing
// conversions can win, the loser gets ErrThreadClosed and nothing else it
// wrote survives the rollback.
func (s *PostgresStore) ConvertThread(ctx context.Context, params ConvertThreadParams) error {
	tags, err := json.Marshal(nonNilTags(params.Question.Tags))
	if err != nil {
		return fmt.Errorf("marshal question tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin convert thread: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE threads
		SET is_closed=TRUE, is_active=FALSE, resolved_message_id=NULLIF($2, '')
		WHERE id=$1 AND NOT is_closed
	`, params.ThreadID, params.ResolvedMessageID)
	if err != nil {
		return fmt.Errorf("claim thread closure: %w", err)
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim thread closure rows: %w", err)
	}
	if claimed == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM threads WHERE id=$1)`, params.ThreadID).Scan(&exists); err != nil {
			return fmt.Errorf("check thread exists: %w", err)
		}
		if !exists {
			return sql.ErrNoRows
		}
		return ErrThreadClosed
	}

	if params.ResolvedMessageID != "" {
		result, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_marked_as_answer=TRUE
			WHERE thread_id=$1 AND id=$2
		`, params.ThreadID, params.ResolvedMessageID)
		if err != nil {
			return fmt.Errorf("mark answer message: %w", err)
		}
		marked, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark answer message rows: %w", err)
		}
		if marked == 0 {
			return sql.ErrNoRows
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO questions (id, title, content, author_id, tags, original_thread_id)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, params.Question.ID, params.Question.Title, params.Question.Content, params.Question.AuthorID, string(tags), params.ThreadID); err != nil {
		return fmt.Errorf("insert question: %w", err)
	}

	if params.Answer != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO answers (id, question_id, author_id, content, is_accepted)
			VALUES ($1, $2, $3, $4, TRUE)
		`, params.Answer.ID, params.Question.ID, params.Answer.AuthorID, params.Answer.Content); err != nil {
			return fmt.Errorf("insert answer: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE questions SET accepted_answer_id=$2 WHERE id=$1
		`, params.Question.ID, params.Answer.ID); err != nil {
			return fmt.Errorf("link accepted answer: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE threads SET converted_question_id=$2
		WHERE id=$1 AND converted_question_id IS NULL
	`, params.ThreadID, params.Question.ID); err != nil {
		return fmt.Errorf("set converted question: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit convert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetQuestion(ctx context.Context, questionID string) (Question, error) {
	var item Question
	var tagsRaw string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, author_id, tags::text, original_thread_id,
			COALESCE(accepted_answer_id, ''), created_at
		FROM questions
		WHERE id=$1
	`, questionID).Scan(
		&item.ID,
		&item.Title,
		&item.Content,
		&item.AuthorID,
		&tagsRaw,
		&item.OriginalThreadID,
		&item.AcceptedAnswerID,
		&item.CreatedAt,
	)
	if err != nil {
		return Question{}, err
	}
	_ = json.Unmarshal([]byte(tagsRaw), &item.Tags)
	return item, nil
}

func (s *PostgresStore) ListAnswers(ctx context.Context, questionID string) ([]Answer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question_id, author_id, content, is_accepted, created_at
		FROM answers
		WHERE question_id=$1
		ORDER BY created_at ASC
	`, questionID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	items := make([]Answer, 0)
	for rows.Next() {
		var item Answer
		if err := rows.Scan(&item.ID, &item.QuestionID, &item.AuthorID, &item.Content, &item.IsAccepted, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.handle, u.display_name
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Handle, &user.DisplayName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nonNilTags(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
