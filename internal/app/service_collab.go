package app

import (
	"context"
	"strings"

	"lexdraft/api/internal/collab"
	"lexdraft/api/internal/rbac"
	"lexdraft/api/internal/search"
	"lexdraft/api/internal/store"
)

type AddCollaboratorInput struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type CursorInput struct {
	Position *int `json:"position"`
}

func collaborationPayload(session *collab.Session) map[string]any {
	return map[string]any{
		"documentId":     session.DocumentID(),
		"state":          session.State(),
		"collaborators":  session.Collaborators(),
		"comments":       session.Comments(),
		"activePresence": session.ActivePresence(),
	}
}

// mutator returns the session that carries a one-off write for the caller.
// The caller's open stream, if any, sees the change immediately.
func (s *Service) mutator(documentID, userID string) *collab.Session {
	return s.hub.Mutator(documentID, userID)
}

// Collaboration loads collaborators, comments and active presence.
func (s *Service) Collaboration(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	cs := s.hub.Detached(documentID, session.UserID)
	if err := cs.Load(ctx); err != nil {
		return nil, err
	}
	return collaborationPayload(cs), nil
}

// OpenCollaboration starts a live session for the life of a stream. The
// caller must call release when the stream ends.
func (s *Service) OpenCollaboration(ctx context.Context, session Session, documentID string) (*collab.Session, func(), error) {
	if _, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionRead); err != nil {
		return nil, nil, err
	}
	return s.hub.Open(ctx, documentID, session.UserID)
}

func (s *Service) AddCollaborator(ctx context.Context, session Session, documentID string, input AddCollaboratorInput) (store.Collaborator, error) {
	if _, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionShare); err != nil {
		return store.Collaborator{}, err
	}
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email != "" && email == strings.ToLower(session.Email) {
		return store.Collaborator{}, validationError("cannot add yourself as a collaborator")
	}
	return s.mutator(documentID, session.UserID).AddCollaborator(ctx, email, input.Role)
}

func (s *Service) RemoveCollaborator(ctx context.Context, session Session, documentID, collaboratorID string) error {
	if _, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionShare); err != nil {
		return err
	}
	return s.mutator(documentID, session.UserID).RemoveCollaborator(ctx, collaboratorID)
}

func (s *Service) AddComment(ctx context.Context, session Session, documentID string, input collab.CommentInput) (store.Comment, error) {
	if _, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionComment); err != nil {
		return store.Comment{}, err
	}
	comment, err := s.mutator(documentID, session.UserID).AddComment(ctx, input)
	if err != nil {
		return store.Comment{}, err
	}
	s.indexComment(ctx, comment)
	return comment, nil
}

func (s *Service) UpdateComment(ctx context.Context, session Session, documentID, commentID, content string) (store.Comment, error) {
	if _, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionComment); err != nil {
		return store.Comment{}, err
	}
	comment, err := s.mutator(documentID, session.UserID).UpdateComment(ctx, commentID, content)
	if err != nil {
		return store.Comment{}, err
	}
	s.indexComment(ctx, comment)
	return comment, nil
}

func (s *Service) ResolveComment(ctx context.Context, session Session, documentID, commentID string) (store.Comment, error) {
	if _, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionComment); err != nil {
		return store.Comment{}, err
	}
	comment, err := s.mutator(documentID, session.UserID).ResolveComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	s.indexComment(ctx, comment)
	return comment, nil
}

func (s *Service) DeleteComment(ctx context.Context, session Session, documentID, commentID string) error {
	if _, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionComment); err != nil {
		return err
	}
	if err := s.mutator(documentID, session.UserID).DeleteComment(ctx, commentID); err != nil {
		return err
	}
	s.search.DeleteComment(commentID)
	return nil
}

func (s *Service) UpdateCursor(ctx context.Context, session Session, documentID string, input CursorInput) error {
	if _, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionRead); err != nil {
		return err
	}
	if input.Position == nil || *input.Position < 0 {
		return validationError("position must be a non-negative integer")
	}
	return s.mutator(documentID, session.UserID).UpdateCursorPosition(ctx, *input.Position)
}

func (s *Service) indexComment(ctx context.Context, comment store.Comment) {
	record := search.CommentRecord{
		ID:         comment.ID,
		DocumentID: comment.DocumentID,
		UserID:     comment.UserID,
		Content:    comment.Content,
		Resolved:   comment.Resolved,
	}
	if doc, err := s.store.GetDocument(ctx, comment.DocumentID); err == nil {
		record.DocumentTitle = doc.Title
	}
	s.search.IndexComment(record)
}
