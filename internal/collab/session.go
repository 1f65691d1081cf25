// Package collab keeps the collaborators, comments and active presence of
// one document for one user, and runs the presence heartbeat while the
// document is open.
package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"lexdraft/api/internal/feed"
	"lexdraft/api/internal/rbac"
	"lexdraft/api/internal/store"
	"lexdraft/api/internal/util"
)

const (
	LivenessWindow    = 5 * time.Minute
	HeartbeatInterval = 30 * time.Second
	SweepInterval     = 60 * time.Second
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidRole   = errors.New("role must be viewer or editor")
	ErrInvalidInput  = errors.New("invalid input")
	ErrAlreadyExists = errors.New("already a collaborator")
	ErrLoadFailed    = errors.New("failed to load collaboration data")
)

type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

type Gateway interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)

	ListCollaborators(ctx context.Context, documentID string) ([]store.Collaborator, error)
	InsertCollaborator(ctx context.Context, item store.Collaborator) (store.Collaborator, error)
	DeleteCollaborator(ctx context.Context, documentID, collaboratorID string) (bool, error)

	ListComments(ctx context.Context, documentID string) ([]store.Comment, error)
	InsertComment(ctx context.Context, item store.Comment) (store.Comment, error)
	UpdateComment(ctx context.Context, documentID, commentID, content string) (store.Comment, error)
	ResolveComment(ctx context.Context, documentID, commentID, resolvedBy string, resolvedAt time.Time) (store.Comment, error)
	DeleteComment(ctx context.Context, documentID, commentID string) (bool, error)

	ListActivePresence(ctx context.Context, documentID string, since time.Time) ([]store.Presence, error)
	UpsertPresence(ctx context.Context, documentID, userID string, cursor *int, seenAt time.Time) error
	DeletePresence(ctx context.Context, documentID, userID string) error
	DeleteStalePresence(ctx context.Context, documentID string, before time.Time) (int64, error)
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

type Notification struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

type Notifier interface {
	Notify(n Notification)
}

type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Deps are shared by every session a Hub creates. Subscriber, Publisher and
// Notifier are optional.
type Deps struct {
	Gateway    Gateway
	Subscriber feed.Subscriber
	Publisher  feed.Publisher
	Notifier   Notifier
	Log        zerolog.Logger
}

type CommentInput struct {
	Content       string  `json:"content"`
	ParentID      *string `json:"parentId,omitempty"`
	PositionStart *int    `json:"positionStart,omitempty"`
	PositionEnd   *int    `json:"positionEnd,omitempty"`
}

type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithIntervals overrides the heartbeat and sweep cadence. Zero keeps the default.
func WithIntervals(heartbeat, sweep time.Duration) Option {
	return func(s *Session) {
		if heartbeat > 0 {
			s.heartbeatEvery = heartbeat
		}
		if sweep > 0 {
			s.sweepEvery = sweep
		}
	}
}

type Session struct {
	documentID string
	userID     string
	deps       Deps
	log        zerolog.Logger
	now        func() time.Time

	heartbeatEvery time.Duration
	sweepEvery     time.Duration

	mu            sync.RWMutex
	state         State
	collaborators []store.Collaborator
	comments      []store.Comment
	presence      []store.Presence
	watchers      map[int]chan struct{}
	nextWatcher   int

	startOnce sync.Once
	stopOnce  sync.Once
	stopFn    func()
	stopped   bool
}

func NewSession(documentID, userID string, deps Deps, opts ...Option) *Session {
	s := &Session{
		documentID:     documentID,
		userID:         userID,
		deps:           deps,
		log:            deps.Log.With().Str("document_id", documentID).Str("user_id", userID).Logger(),
		now:            time.Now,
		heartbeatEvery: HeartbeatInterval,
		sweepEvery:     SweepInterval,
		state:          StateLoading,
		collaborators:  []store.Collaborator{},
		comments:       []store.Comment{},
		presence:       []store.Presence{},
		watchers:       map[int]chan struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) DocumentID() string { return s.documentID }
func (s *Session) UserID() string     { return s.userID }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Collaborators() []store.Collaborator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.Collaborator(nil), s.collaborators...)
}

func (s *Session) Comments() []store.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.Comment(nil), s.comments...)
}

func (s *Session) ActivePresence() []store.Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.Presence(nil), s.presence...)
}

// Watch returns a channel that receives a signal after any change to the
// local collections. Signals coalesce; readers re-read the snapshots.
func (s *Session) Watch() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextWatcher
	s.nextWatcher++
	ch := make(chan struct{}, 1)
	s.watchers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// changed must be called with s.mu held.
func (s *Session) changed() {
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Session) notify(level Level, message string) {
	if s.deps.Notifier != nil {
		s.deps.Notifier.Notify(Notification{Level: level, Message: message})
	}
}

// fail reports a mutation failure and returns err unchanged.
func (s *Session) fail(err error, message string) error {
	s.log.Warn().Err(err).Msg(message)
	s.notify(LevelError, message)
	return err
}

type snapshot struct {
	collaborators []store.Collaborator
	comments      []store.Comment
	presence      []store.Presence
}

// read issues the three reads concurrently.
func (s *Session) read(ctx context.Context) (snapshot, error) {
	var snap snapshot
	since := s.now().Add(-LivenessWindow)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		snap.collaborators, err = s.deps.Gateway.ListCollaborators(groupCtx, s.documentID)
		return err
	})
	group.Go(func() error {
		var err error
		snap.comments, err = s.deps.Gateway.ListComments(groupCtx, s.documentID)
		return err
	})
	group.Go(func() error {
		var err error
		snap.presence, err = s.deps.Gateway.ListActivePresence(groupCtx, s.documentID, since)
		return err
	})
	if err := group.Wait(); err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

func (s *Session) apply(snap snapshot) {
	s.mu.Lock()
	s.state = StateReady
	s.collaborators = nonNil(snap.collaborators)
	s.comments = nonNil(snap.comments)
	s.presence = nonNil(snap.presence)
	s.changed()
	s.mu.Unlock()
}

// Load fetches collaborators, comments and active presence. Any failure
// leaves every collection empty and the session Failed for good.
func (s *Session) Load(ctx context.Context) error {
	if s.State() == StateFailed {
		return ErrLoadFailed
	}

	snap, err := s.read(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.collaborators = []store.Collaborator{}
		s.comments = []store.Comment{}
		s.presence = []store.Presence{}
		s.changed()
		s.mu.Unlock()

		s.log.Error().Err(err).Msg("collaboration load failed")
		s.notify(LevelError, "Failed to load collaboration data")
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	s.apply(snap)
	return nil
}

// Refresh re-reads a Ready session for an additional holder. A failure is
// returned to that holder and leaves the current collections in place.
func (s *Session) Refresh(ctx context.Context) error {
	if s.State() != StateReady {
		return ErrLoadFailed
	}
	snap, err := s.read(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("collaboration reload failed")
		s.notify(LevelError, "Failed to load collaboration data")
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	s.apply(snap)
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func (s *Session) AddCollaborator(ctx context.Context, email, role string) (store.Collaborator, error) {
	if !rbac.Assignable(role) {
		return store.Collaborator{}, s.fail(ErrInvalidRole, "Role must be viewer or editor")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return store.Collaborator{}, s.fail(fmt.Errorf("%w: email is required", ErrInvalidInput), "Email is required")
	}

	user, err := s.deps.Gateway.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Collaborator{}, s.fail(fmt.Errorf("%w: no user with email %s", ErrNotFound, email), "User not found")
	}
	if err != nil {
		return store.Collaborator{}, s.fail(fmt.Errorf("resolve collaborator email: %w", err), "Failed to add collaborator")
	}

	created, err := s.deps.Gateway.InsertCollaborator(ctx, store.Collaborator{
		ID:         util.NewID("col"),
		DocumentID: s.documentID,
		UserID:     user.ID,
		Role:       role,
		AddedBy:    s.userID,
	})
	if errors.Is(err, store.ErrConflict) {
		return store.Collaborator{}, s.fail(ErrAlreadyExists, "User is already a collaborator")
	}
	if err != nil {
		return store.Collaborator{}, s.fail(err, "Failed to add collaborator")
	}

	s.mu.Lock()
	s.collaborators = append(s.collaborators, created)
	s.changed()
	s.mu.Unlock()
	s.notify(LevelInfo, "Collaborator added")
	return created, nil
}

func (s *Session) RemoveCollaborator(ctx context.Context, collaboratorID string) error {
	deleted, err := s.deps.Gateway.DeleteCollaborator(ctx, s.documentID, collaboratorID)
	if err != nil {
		return s.fail(err, "Failed to remove collaborator")
	}
	if !deleted {
		return s.fail(fmt.Errorf("%w: collaborator %s", ErrNotFound, collaboratorID), "Collaborator not found")
	}

	s.mu.Lock()
	s.collaborators = removeWhere(s.collaborators, func(c store.Collaborator) bool { return c.ID == collaboratorID })
	s.changed()
	s.mu.Unlock()
	s.notify(LevelInfo, "Collaborator removed")
	return nil
}

func (s *Session) AddComment(ctx context.Context, input CommentInput) (store.Comment, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return store.Comment{}, s.fail(fmt.Errorf("%w: comment content is required", ErrInvalidInput), "Comment cannot be empty")
	}
	if input.PositionStart != nil && input.PositionEnd != nil && *input.PositionStart > *input.PositionEnd {
		return store.Comment{}, s.fail(fmt.Errorf("%w: position start after end", ErrInvalidInput), "Invalid comment anchor")
	}

	created, err := s.deps.Gateway.InsertComment(ctx, store.Comment{
		ID:            util.NewID("cmt"),
		DocumentID:    s.documentID,
		UserID:        s.userID,
		ParentID:      input.ParentID,
		Content:       content,
		PositionStart: input.PositionStart,
		PositionEnd:   input.PositionEnd,
	})
	if err != nil {
		return store.Comment{}, s.fail(err, "Failed to add comment")
	}

	s.mu.Lock()
	s.comments = append(s.comments, created)
	s.changed()
	s.mu.Unlock()
	s.notify(LevelInfo, "Comment added")
	return created, nil
}

func (s *Session) UpdateComment(ctx context.Context, commentID, content string) (store.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Comment{}, s.fail(fmt.Errorf("%w: comment content is required", ErrInvalidInput), "Comment cannot be empty")
	}

	updated, err := s.deps.Gateway.UpdateComment(ctx, s.documentID, commentID, content)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Comment{}, s.fail(fmt.Errorf("%w: comment %s", ErrNotFound, commentID), "Comment not found")
	}
	if err != nil {
		return store.Comment{}, s.fail(err, "Failed to update comment")
	}

	s.replaceComment(updated)
	return updated, nil
}

// ResolveComment marks one comment resolved by the current user. No other
// comment changes.
func (s *Session) ResolveComment(ctx context.Context, commentID string) (store.Comment, error) {
	resolved, err := s.deps.Gateway.ResolveComment(ctx, s.documentID, commentID, s.userID, s.now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return store.Comment{}, s.fail(fmt.Errorf("%w: comment %s", ErrNotFound, commentID), "Comment not found")
	}
	if err != nil {
		return store.Comment{}, s.fail(err, "Failed to resolve comment")
	}

	s.replaceComment(resolved)
	s.notify(LevelInfo, "Comment resolved")
	return resolved, nil
}

// DeleteComment removes the comment and, as the store cascades, its replies.
func (s *Session) DeleteComment(ctx context.Context, commentID string) error {
	deleted, err := s.deps.Gateway.DeleteComment(ctx, s.documentID, commentID)
	if err != nil {
		return s.fail(err, "Failed to delete comment")
	}
	if !deleted {
		return s.fail(fmt.Errorf("%w: comment %s", ErrNotFound, commentID), "Comment not found")
	}

	s.mu.Lock()
	gone := map[string]bool{commentID: true}
	for grew := true; grew; {
		grew = false
		for _, c := range s.comments {
			if c.ParentID != nil && gone[*c.ParentID] && !gone[c.ID] {
				gone[c.ID] = true
				grew = true
			}
		}
	}
	s.comments = removeWhere(s.comments, func(c store.Comment) bool { return gone[c.ID] })
	s.changed()
	s.mu.Unlock()
	return nil
}

func (s *Session) replaceComment(updated store.Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]store.Comment, len(s.comments))
	for i, c := range s.comments {
		if c.ID == updated.ID {
			next[i] = updated
		} else {
			next[i] = c
		}
	}
	s.comments = next
	s.changed()
}

// UpdateCursorPosition upserts the user's presence row and tells peers.
func (s *Session) UpdateCursorPosition(ctx context.Context, position int) error {
	if position < 0 {
		return s.fail(fmt.Errorf("%w: cursor position must not be negative", ErrInvalidInput), "Invalid cursor position")
	}
	seenAt := s.now().UTC()
	if err := s.deps.Gateway.UpsertPresence(ctx, s.documentID, s.userID, &position, seenAt); err != nil {
		return s.fail(err, "Failed to update cursor position")
	}

	s.mu.Lock()
	next := make([]store.Presence, len(s.presence))
	for i, p := range s.presence {
		if p.UserID == s.userID {
			pos := position
			p.CursorPosition = &pos
			p.LastSeenAt = seenAt
		}
		next[i] = p
	}
	s.presence = next
	s.changed()
	s.mu.Unlock()

	s.publish(ctx, "upsert")
	return nil
}

func (s *Session) publish(ctx context.Context, op string) {
	if s.deps.Publisher == nil {
		return
	}
	err := s.deps.Publisher.Publish(ctx, feed.Event{
		Table:      feed.TablePresence,
		DocumentID: s.documentID,
		UserID:     s.userID,
		Op:         op,
		At:         s.now().UTC(),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("op", op).Msg("publish presence change")
	}
}

func removeWhere[T any](items []T, match func(T) bool) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if !match(item) {
			out = append(out, item)
		}
	}
	return out
}
