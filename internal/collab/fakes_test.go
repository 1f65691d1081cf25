package collab

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lexdraft/api/internal/feed"
	"lexdraft/api/internal/store"
)

type memoryGateway struct {
	mu            sync.Mutex
	users         map[string]store.User
	collaborators []store.Collaborator
	comments      []store.Comment
	presence      map[string]store.Presence
	sequence      time.Time

	upserts         int
	presenceDeletes int

	listCollaboratorsErr error
	listCommentsErr      error
	listPresenceErr      error
	insertCommentErr     error
}

func newMemoryGateway(users ...store.User) *memoryGateway {
	g := &memoryGateway{
		users:    map[string]store.User{},
		presence: map[string]store.Presence{},
		sequence: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	for _, u := range users {
		g.users[u.ID] = u
	}
	return g
}

func (g *memoryGateway) summary(userID string) store.UserSummary {
	u := g.users[userID]
	return store.UserSummary{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName}
}

func (g *memoryGateway) tick() time.Time {
	g.sequence = g.sequence.Add(time.Second)
	return g.sequence
}

func (g *memoryGateway) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, u := range g.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (g *memoryGateway) ListCollaborators(_ context.Context, documentID string) ([]store.Collaborator, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listCollaboratorsErr != nil {
		return nil, g.listCollaboratorsErr
	}
	out := []store.Collaborator{}
	for _, c := range g.collaborators {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (g *memoryGateway) InsertCollaborator(_ context.Context, item store.Collaborator) (store.Collaborator, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.collaborators {
		if c.DocumentID == item.DocumentID && c.UserID == item.UserID {
			return store.Collaborator{}, store.ErrConflict
		}
	}
	item.AddedAt = g.tick()
	item.User = g.summary(item.UserID)
	g.collaborators = append(g.collaborators, item)
	return item, nil
}

func (g *memoryGateway) DeleteCollaborator(_ context.Context, documentID, collaboratorID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, c := range g.collaborators {
		if c.DocumentID == documentID && c.ID == collaboratorID {
			g.collaborators = append(g.collaborators[:i], g.collaborators[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (g *memoryGateway) ListComments(_ context.Context, documentID string) ([]store.Comment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listCommentsErr != nil {
		return nil, g.listCommentsErr
	}
	out := []store.Comment{}
	for _, c := range g.comments {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (g *memoryGateway) InsertComment(_ context.Context, item store.Comment) (store.Comment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.insertCommentErr != nil {
		return store.Comment{}, g.insertCommentErr
	}
	now := g.tick()
	item.CreatedAt = now
	item.UpdatedAt = now
	item.User = g.summary(item.UserID)
	g.comments = append(g.comments, item)
	return item, nil
}

func (g *memoryGateway) findComment(documentID, commentID string) int {
	for i, c := range g.comments {
		if c.DocumentID == documentID && c.ID == commentID {
			return i
		}
	}
	return -1
}

func (g *memoryGateway) UpdateComment(_ context.Context, documentID, commentID, content string) (store.Comment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.findComment(documentID, commentID)
	if i < 0 {
		return store.Comment{}, sql.ErrNoRows
	}
	g.comments[i].Content = content
	g.comments[i].UpdatedAt = g.tick()
	return g.comments[i], nil
}

func (g *memoryGateway) ResolveComment(_ context.Context, documentID, commentID, resolvedBy string, resolvedAt time.Time) (store.Comment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.findComment(documentID, commentID)
	if i < 0 {
		return store.Comment{}, sql.ErrNoRows
	}
	by := resolvedBy
	at := resolvedAt
	g.comments[i].Resolved = true
	g.comments[i].ResolvedBy = &by
	g.comments[i].ResolvedAt = &at
	return g.comments[i], nil
}

func (g *memoryGateway) DeleteComment(_ context.Context, documentID, commentID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.findComment(documentID, commentID) < 0 {
		return false, nil
	}
	gone := map[string]bool{commentID: true}
	for grew := true; grew; {
		grew = false
		for _, c := range g.comments {
			if c.ParentID != nil && gone[*c.ParentID] && !gone[c.ID] {
				gone[c.ID] = true
				grew = true
			}
		}
	}
	kept := g.comments[:0]
	for _, c := range g.comments {
		if !gone[c.ID] {
			kept = append(kept, c)
		}
	}
	g.comments = kept
	return true, nil
}

func presenceKey(documentID, userID string) string { return documentID + "|" + userID }

func (g *memoryGateway) ListActivePresence(_ context.Context, documentID string, since time.Time) ([]store.Presence, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listPresenceErr != nil {
		return nil, g.listPresenceErr
	}
	out := []store.Presence{}
	for _, p := range g.presence {
		if p.DocumentID == documentID && p.LastSeenAt.After(since) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (g *memoryGateway) UpsertPresence(_ context.Context, documentID, userID string, cursor *int, seenAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upserts++
	key := presenceKey(documentID, userID)
	row := g.presence[key]
	row.DocumentID = documentID
	row.UserID = userID
	row.User = g.summary(userID)
	row.LastSeenAt = seenAt
	if cursor != nil {
		pos := *cursor
		row.CursorPosition = &pos
	}
	g.presence[key] = row
	return nil
}

func (g *memoryGateway) DeletePresence(_ context.Context, documentID, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.presenceDeletes++
	delete(g.presence, presenceKey(documentID, userID))
	return nil
}

func (g *memoryGateway) DeleteStalePresence(_ context.Context, documentID string, before time.Time) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var removed int64
	for key, p := range g.presence {
		if p.DocumentID == documentID && !p.LastSeenAt.After(before) {
			delete(g.presence, key)
			removed++
		}
	}
	return removed, nil
}

func (g *memoryGateway) seedPresence(documentID, userID string, seenAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.presence[presenceKey(documentID, userID)] = store.Presence{
		DocumentID: documentID,
		UserID:     userID,
		LastSeenAt: seenAt,
		User:       g.summary(userID),
	}
}

func (g *memoryGateway) hasPresence(documentID, userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.presence[presenceKey(documentID, userID)]
	return ok
}

func (g *memoryGateway) counts() (upserts, deletes int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.upserts, g.presenceDeletes
}

type memoryFeed struct {
	mu   sync.Mutex
	subs map[string]map[int]chan feed.Event
	next int
}

func newMemoryFeed() *memoryFeed {
	return &memoryFeed{subs: map[string]map[int]chan feed.Event{}}
}

func (f *memoryFeed) Publish(_ context.Context, event feed.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[feed.Channel(event.Table, event.DocumentID)] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (f *memoryFeed) Subscribe(_ context.Context, table, documentID string) (*feed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel := feed.Channel(table, documentID)
	if f.subs[channel] == nil {
		f.subs[channel] = map[int]chan feed.Event{}
	}
	id := f.next
	f.next++
	ch := make(chan feed.Event, 16)
	f.subs[channel][id] = ch
	return feed.NewSubscription(ch, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[channel], id)
		close(ch)
		return nil
	}), nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recordingNotifier) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

func (r *recordingNotifier) errorsRaised() int {
	count := 0
	for _, n := range r.all() {
		if n.Level == LevelError {
			count++
		}
	}
	return count
}

var (
	userAvery = store.User{ID: "usr_avery", Email: "avery@firm.test", DisplayName: "Avery"}
	userBlake = store.User{ID: "usr_blake", Email: "blake@firm.test", DisplayName: "Blake"}
	userCasey = store.User{ID: "usr_casey", Email: "casey@firm.test", DisplayName: "Casey"}
)

func testDeps(gateway *memoryGateway, f *memoryFeed, notifier *recordingNotifier) Deps {
	deps := Deps{Gateway: gateway, Notifier: notifier, Log: zerolog.Nop()}
	if f != nil {
		deps.Subscriber = f
		deps.Publisher = f
	}
	return deps
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errBackend = errors.New("backend unavailable")
