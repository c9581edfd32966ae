package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"quorum/api/internal/archive"
	"quorum/api/internal/auth"
	"quorum/api/internal/config"
	"quorum/api/internal/mentions"
	"quorum/api/internal/realtime"
	"quorum/api/internal/search"
	"quorum/api/internal/store"
	"quorum/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Handle       string
	DisplayName  string
	JTI          string
	ExpiresAt    time.Time
}

type CreateThreadInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type PostMessageInput struct {
	Content string `json:"content"`
}

type ResolveThreadInput struct {
	MessageID string `json:"messageId"`
}

const (
	titleMinLen       = 5
	titleMaxLen       = 200
	descriptionMinLen = 10
	descriptionMaxLen = 5000
	contentMaxLen     = 1000
	maxTags           = 5
	defaultPageSize   = 20
	maxPageSize       = 100

	// The provenance tag every converted question carries.
	conversionTag = "live-thread"
)

type dataStore interface {
	EnsureUserByHandle(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	ResolveHandles(context.Context, []string) ([]string, error)
	InsertThread(context.Context, store.Thread) error
	GetThread(context.Context, string) (store.Thread, error)
	ListActiveThreads(context.Context, int, int) ([]store.Thread, int, error)
	ListParticipants(context.Context, string) ([]store.Participant, error)
	JoinThread(context.Context, string, string) error
	InsertMessage(context.Context, store.Message) error
	GetMessage(context.Context, string, string) (store.Message, error)
	ListMessages(context.Context, string) ([]store.Message, error)
	ListExpiredThreads(context.Context, time.Time) ([]store.Thread, error)
	ConvertThread(context.Context, store.ConvertThreadParams) error
	GetQuestion(context.Context, string) (store.Question, error)
	ListAnswers(context.Context, string) ([]store.Answer, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// SessionStore holds refresh sessions. Redis-backed in the normal wiring,
// Postgres-backed when Redis is not configured.
type SessionStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

// broadcaster is the slice of the realtime hub the service pushes through.
type broadcaster interface {
	Broadcast(threadID, event string, payload any)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	hub      broadcaster
	mentions *mentions.Resolver
	search   *search.Service
	archive  *archive.Service
	now      func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions SessionStore, hub *realtime.Hub, searchSvc *search.Service, archiveSvc *archive.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		hub:      hub,
		mentions: mentions.NewResolver(dataStore),
		search:   searchSvc,
		archive:  archiveSvc,
		now:      time.Now,
	}
}

func (s *Service) Login(ctx context.Context, handle string) (Session, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return Session{}, validationError("handle is required")
	}

	user, err := s.store.EnsureUserByHandle(ctx, handle)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:    user.ID,
		Handle: user.Handle,
		JTI:    jti,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Handle:       user.Handle,
		DisplayName:  user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:       token,
		UserID:      user.ID,
		Handle:      user.Handle,
		DisplayName: user.DisplayName,
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// IdentityFromToken satisfies the realtime socket layer's identifier seam.
func (s *Service) IdentityFromToken(ctx context.Context, token string) (realtime.Identity, error) {
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return realtime.Identity{}, err
	}
	return realtime.Identity{UserID: session.UserID, Handle: session.Handle}, nil
}

func (s *Service) CreateThread(ctx context.Context, creatorID string, input CreateThreadInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if len(title) < titleMinLen || len(title) > titleMaxLen {
		return nil, validationError("title must be 5-200 characters")
	}
	description := strings.TrimSpace(input.Description)
	if len(description) < descriptionMinLen || len(description) > descriptionMaxLen {
		return nil, validationError("description must be 10-5000 characters")
	}
	tags := normalizeTags(input.Tags)
	if len(tags) > maxTags {
		return nil, validationError("at most 5 tags allowed")
	}

	thread := store.Thread{
		ID:          util.NewID("th"),
		Title:       title,
		Description: description,
		Tags:        tags,
		CreatorID:   creatorID,
		MaxDuration: s.cfg.ThreadMaxDuration,
	}
	if err := s.store.InsertThread(ctx, thread); err != nil {
		return nil, err
	}

	created, err := s.store.GetThread(ctx, thread.ID)
	if err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexThread(search.ThreadRecord{
			ID:          created.ID,
			Title:       created.Title,
			Description: created.Description,
			Tags:        created.Tags,
			CreatorID:   created.CreatorID,
		})
	}
	return threadView(created), nil
}

func (s *Service) ListActiveThreads(ctx context.Context, page, pageSize int) (map[string]any, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	threads, total, err := s.store.ListActiveThreads(ctx, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(threads))
	for _, thread := range threads {
		items = append(items, threadView(thread))
	}
	return map[string]any{
		"threads":  items,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	}, nil
}

func (s *Service) GetThread(ctx context.Context, threadID string) (map[string]any, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, threadID)
	if err != nil {
		return nil, err
	}

	messageItems := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		messageItems = append(messageItems, messageView(message))
	}
	participantItems := make([]map[string]any, 0, len(participants))
	for _, participant := range participants {
		participantItems = append(participantItems, map[string]any{
			"userId":   participant.UserID,
			"joinedAt": participant.JoinedAt,
		})
	}

	view := threadView(thread)
	view["messages"] = messageItems
	view["participants"] = participantItems
	return view, nil
}

func (s *Service) JoinThread(ctx context.Context, threadID, userID string) (map[string]any, error) {
	if err := s.store.JoinThread(ctx, threadID, userID); err != nil {
		if errors.Is(err, store.ErrThreadClosed) {
			return nil, alreadyClosedError()
		}
		return nil, err
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return threadView(thread), nil
}

func (s *Service) PostMessage(ctx context.Context, threadID, authorID string, input PostMessageInput) (map[string]any, error) {
	content := strings.TrimSpace(input.Content)
	if len(content) == 0 || len(content) > contentMaxLen {
		return nil, validationError("content must be 1-1000 characters")
	}

	mentioned, err := s.mentions.Resolve(ctx, content)
	if err != nil {
		return nil, err
	}

	message := store.Message{
		ID:       util.NewID("msg"),
		ThreadID: threadID,
		AuthorID: authorID,
		Content:  content,
		Mentions: mentioned,
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		if errors.Is(err, store.ErrThreadClosed) {
			return nil, alreadyClosedError()
		}
		return nil, err
	}

	persisted, err := s.store.GetMessage(ctx, threadID, message.ID)
	if err != nil {
		return nil, err
	}

	// Persist first, broadcast second: a client re-fetching history after
	// seeing the event always finds the message in storage.
	view := messageView(persisted)
	if s.hub != nil {
		s.hub.Broadcast(threadID, realtime.EventNewMessage, view)
	}
	return view, nil
}

func (s *Service) GetQuestion(ctx context.Context, questionID string) (map[string]any, error) {
	question, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	answers, err := s.store.ListAnswers(ctx, questionID)
	if err != nil {
		return nil, err
	}

	answerItems := make([]map[string]any, 0, len(answers))
	for _, answer := range answers {
		answerItems = append(answerItems, map[string]any{
			"id":         answer.ID,
			"questionId": answer.QuestionID,
			"authorId":   answer.AuthorID,
			"content":    answer.Content,
			"isAccepted": answer.IsAccepted,
			"createdAt":  answer.CreatedAt,
		})
	}

	view := questionView(question)
	view["answers"] = answerItems
	return view, nil
}

func (s *Service) SearchContent(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}

func (s *Service) Transcript(ctx context.Context, threadID string) (archive.Transcript, bool, error) {
	return s.archive.FetchTranscript(ctx, threadID)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions checks the session backend when it is a system of its own
// (Redis). When sessions live in Postgres the database check already covers
// them and checked is false.
func (s *Service) PingSessions(ctx context.Context) (checked bool, err error) {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if _, sameStore := s.sessions.(dataStore); sameStore {
		return false, nil
	}
	p, ok := s.sessions.(pinger)
	if !ok {
		return false, nil
	}
	return true, p.Ping(ctx)
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		cleaned = append(cleaned, tag)
	}
	return cleaned
}

func threadView(thread store.Thread) map[string]any {
	return map[string]any{
		"id":                  thread.ID,
		"title":               thread.Title,
		"description":         thread.Description,
		"tags":                thread.Tags,
		"creatorId":           thread.CreatorID,
		"isActive":            thread.IsActive,
		"isClosed":            thread.IsClosed,
		"resolvedMessageId":   nullable(thread.ResolvedMessageID),
		"convertedQuestionId": nullable(thread.ConvertedQuestionID),
		"maxDurationSeconds":  int(thread.MaxDuration / time.Second),
		"lastActivityAt":      thread.LastActivityAt,
		"createdAt":           thread.CreatedAt,
	}
}

func messageView(message store.Message) map[string]any {
	return map[string]any{
		"id":               message.ID,
		"threadId":         message.ThreadID,
		"authorId":         message.AuthorID,
		"content":          message.Content,
		"mentions":         message.Mentions,
		"isMarkedAsAnswer": message.IsMarkedAsAnswer,
		"createdAt":        message.CreatedAt,
	}
}

func questionView(question store.Question) map[string]any {
	return map[string]any{
		"id":               question.ID,
		"title":            question.Title,
		"content":          question.Content,
		"authorId":         question.AuthorID,
		"tags":             question.Tags,
		"originalThreadId": question.OriginalThreadID,
		"acceptedAnswerId": nullable(question.AcceptedAnswerID),
		"createdAt":        question.CreatedAt,
	}
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
