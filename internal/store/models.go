package store

import "time"

type User struct {
	ID          string
	Handle      string
	DisplayName string
	CreatedAt   time.Time
}

// Thread is an ephemeral live discussion session. isActive/isClosed encode
// the lifecycle: Open (true,false), Resolved or Expired (false,true).
type Thread struct {
	ID                  string
	Title               string
	Description         string
	Tags                []string
	CreatorID           string
	IsActive            bool
	IsClosed            bool
	ResolvedMessageID   string
	ConvertedQuestionID string
	MaxDuration         time.Duration
	LastActivityAt      time.Time
	CreatedAt           time.Time
}

type Participant struct {
	UserID   string
	JoinedAt time.Time
}

type Message struct {
	ID               string
	ThreadID         string
	AuthorID         string
	Content          string
	Mentions         []string
	IsMarkedAsAnswer bool
	CreatedAt        time.Time
}

// Question is permanent Q&A content materialized from a closed thread.
type Question struct {
	ID               string
	Title            string
	Content          string
	AuthorID         string
	Tags             []string
	OriginalThreadID string
	AcceptedAnswerID string
	CreatedAt        time.Time
}

type Answer struct {
	ID         string
	QuestionID string
	AuthorID   string
	Content    string
	IsAccepted bool
	CreatedAt  time.Time
}
