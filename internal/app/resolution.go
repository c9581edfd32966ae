package app

import (
	"context"
	"errors"
	"log"
	"time"

	"quorum/api/internal/archive"
	"quorum/api/internal/realtime"
	"quorum/api/internal/search"
	"quorum/api/internal/store"
	"quorum/api/internal/util"
)

// ResolveThread closes a thread on explicit creator action: the chosen
// message becomes the accepted answer of the question the thread turns into.
func (s *Service) ResolveThread(ctx context.Context, threadID, actorID string, input ResolveThreadInput) (map[string]any, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if actorID != thread.CreatorID {
		return nil, forbiddenError("only the thread creator can resolve it")
	}
	if thread.IsClosed {
		return nil, alreadyClosedError()
	}

	message, err := s.store.GetMessage(ctx, threadID, input.MessageID)
	if err != nil {
		return nil, err
	}

	question := store.Question{
		ID:       util.NewID("q"),
		Title:    thread.Title,
		Content:  thread.Description,
		AuthorID: thread.CreatorID,
		Tags:     append(normalizeTags(thread.Tags), conversionTag),
	}
	answer := &store.Answer{
		ID:         util.NewID("ans"),
		QuestionID: question.ID,
		AuthorID:   message.AuthorID,
		Content:    message.Content,
		IsAccepted: true,
	}

	if err := s.store.ConvertThread(ctx, store.ConvertThreadParams{
		ThreadID:          threadID,
		ResolvedMessageID: message.ID,
		Question:          question,
		Answer:            answer,
	}); err != nil {
		if errors.Is(err, store.ErrThreadClosed) {
			return nil, alreadyClosedError()
		}
		return nil, err
	}

	s.finishConversion(ctx, threadID, message.ID, question)

	closed, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return threadView(closed), nil
}

// ExpireThread is the timeout path: same closure and question creation, but
// no message is marked and no answer is produced.
func (s *Service) ExpireThread(ctx context.Context, threadID string) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.IsClosed {
		return alreadyClosedError()
	}

	question := store.Question{
		ID:       util.NewID("q"),
		Title:    thread.Title,
		Content:  thread.Description,
		AuthorID: thread.CreatorID,
		Tags:     append(normalizeTags(thread.Tags), conversionTag),
	}

	if err := s.store.ConvertThread(ctx, store.ConvertThreadParams{
		ThreadID: threadID,
		Question: question,
	}); err != nil {
		if errors.Is(err, store.ErrThreadClosed) {
			return alreadyClosedError()
		}
		return err
	}

	s.finishConversion(ctx, threadID, "", question)
	return nil
}

// finishConversion runs the after-commit side effects of a closure: the
// terminal room event, search index maintenance, and transcript archiving.
// None of them can fail the conversion itself.
func (s *Service) finishConversion(ctx context.Context, threadID, resolvedMessageID string, question store.Question) {
	if s.hub != nil {
		s.hub.Broadcast(threadID, realtime.EventThreadClosed, map[string]any{
			"resolvedMessageId":   nullable(resolvedMessageID),
			"convertedQuestionId": question.ID,
		})
	}

	if s.search != nil {
		s.search.DeleteThread(threadID)
		s.search.IndexQuestion(search.QuestionRecord{
			ID:       question.ID,
			Title:    question.Title,
			Content:  question.Content,
			Tags:     question.Tags,
			AuthorID: question.AuthorID,
		})
	}

	if s.archive != nil {
		go s.archiveTranscript(threadID)
	}
}

func (s *Service) archiveTranscript(threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		log.Printf("app: load thread %s for transcript: %v", threadID, err)
		return
	}
	messages, err := s.store.ListMessages(ctx, threadID)
	if err != nil {
		log.Printf("app: load messages %s for transcript: %v", threadID, err)
		return
	}
	participants, err := s.store.ListParticipants(ctx, threadID)
	if err != nil {
		log.Printf("app: load participants %s for transcript: %v", threadID, err)
		return
	}

	userIDs := make([]string, 0, len(participants))
	for _, participant := range participants {
		userIDs = append(userIDs, participant.UserID)
	}

	if err := s.archive.ArchiveTranscript(ctx, archive.Transcript{
		Thread:       thread,
		Messages:     messages,
		Participants: userIDs,
	}); err != nil {
		log.Printf("app: archive transcript %s: %v", threadID, err)
	}
}
