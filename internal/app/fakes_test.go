package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lexdraft/api/internal/billing"
	"lexdraft/api/internal/collab"
	"lexdraft/api/internal/config"
	"lexdraft/api/internal/export"
	"lexdraft/api/internal/generate"
	"lexdraft/api/internal/search"
	"lexdraft/api/internal/store"
	"lexdraft/api/internal/versions"
)

// memoryStore serves both the app data store and the collaboration gateway,
// so collaborators added through a session grant document access.
type memoryStore struct {
	mu            sync.Mutex
	users         map[string]store.User
	documents     map[string]store.Document
	templates     map[string]store.Template
	collaborators []store.Collaborator
	comments      []store.Comment
	presence      map[string]store.Presence

	pingErr      error
	createUserFn func(store.User) error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:     map[string]store.User{},
		documents: map[string]store.Document{},
		templates: map[string]store.Template{},
		presence:  map[string]store.Presence{},
	}
}

func (m *memoryStore) addUser(u store.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *memoryStore) addDocument(doc store.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[doc.ID] = doc
}

func (m *memoryStore) summary(userID string) store.UserSummary {
	u := m.users[userID]
	return store.UserSummary{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName}
}

func (m *memoryStore) Ping(context.Context) error { return m.pingErr }

func (m *memoryStore) CreateUser(_ context.Context, u store.User) error {
	if m.createUserFn != nil {
		if err := m.createUserFn(u); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return store.ErrConflict
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *memoryStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memoryStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (m *memoryStore) InsertDocument(_ context.Context, doc store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[doc.ID] = doc
	return nil
}

func (m *memoryStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return doc, nil
}

func (m *memoryStore) ListDocumentsForUser(_ context.Context, userID string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Document{}
	for _, doc := range m.documents {
		if doc.OwnerID == userID || m.roleLocked(doc.ID, userID) != "" {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (m *memoryStore) UpdateDocument(_ context.Context, id, title, content, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Title, doc.Content, doc.Status = title, content, status
	m.documents[id] = doc
	return nil
}

func (m *memoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.documents, id)
	return nil
}

func (m *memoryStore) roleLocked(documentID, userID string) string {
	for _, c := range m.collaborators {
		if c.DocumentID == documentID && c.UserID == userID {
			return c.Role
		}
	}
	return ""
}

func (m *memoryStore) DocumentRole(_ context.Context, documentID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return "", sql.ErrNoRows
	}
	if doc.OwnerID == userID {
		return "owner", nil
	}
	if role := m.roleLocked(documentID, userID); role != "" {
		return role, nil
	}
	return "", sql.ErrNoRows
}

func (m *memoryStore) ListTemplates(context.Context) ([]store.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Template{}
	for _, t := range m.templates {
		out = append(out, t)
	}
	return out, nil
}

func (m *memoryStore) GetTemplate(_ context.Context, id string) (store.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return store.Template{}, sql.ErrNoRows
	}
	return t, nil
}

func (m *memoryStore) InsertTemplate(_ context.Context, t store.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[t.ID]; !ok {
		m.templates[t.ID] = t
	}
	return nil
}

func (m *memoryStore) ListCollaborators(_ context.Context, documentID string) ([]store.Collaborator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Collaborator{}
	for _, c := range m.collaborators {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memoryStore) InsertCollaborator(_ context.Context, item store.Collaborator) (store.Collaborator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roleLocked(item.DocumentID, item.UserID) != "" {
		return store.Collaborator{}, store.ErrConflict
	}
	item.AddedAt = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	item.User = m.summary(item.UserID)
	m.collaborators = append(m.collaborators, item)
	return item, nil
}

func (m *memoryStore) DeleteCollaborator(_ context.Context, documentID, collaboratorID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.collaborators {
		if c.DocumentID == documentID && c.ID == collaboratorID {
			m.collaborators = append(m.collaborators[:i], m.collaborators[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) ListComments(_ context.Context, documentID string) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Comment{}
	for _, c := range m.comments {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memoryStore) InsertComment(_ context.Context, item store.Comment) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.CreatedAt = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	item.UpdatedAt = item.CreatedAt
	item.User = m.summary(item.UserID)
	m.comments = append(m.comments, item)
	return item, nil
}

func (m *memoryStore) commentIndex(documentID, commentID string) int {
	for i, c := range m.comments {
		if c.DocumentID == documentID && c.ID == commentID {
			return i
		}
	}
	return -1
}

func (m *memoryStore) UpdateComment(_ context.Context, documentID, commentID, content string) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.commentIndex(documentID, commentID)
	if i < 0 {
		return store.Comment{}, sql.ErrNoRows
	}
	m.comments[i].Content = content
	return m.comments[i], nil
}

func (m *memoryStore) ResolveComment(_ context.Context, documentID, commentID, resolvedBy string, resolvedAt time.Time) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.commentIndex(documentID, commentID)
	if i < 0 {
		return store.Comment{}, sql.ErrNoRows
	}
	m.comments[i].Resolved = true
	m.comments[i].ResolvedBy = &resolvedBy
	m.comments[i].ResolvedAt = &resolvedAt
	return m.comments[i], nil
}

func (m *memoryStore) DeleteComment(_ context.Context, documentID, commentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.commentIndex(documentID, commentID)
	if i < 0 {
		return false, nil
	}
	m.comments = append(m.comments[:i], m.comments[i+1:]...)
	return true, nil
}

func (m *memoryStore) ListActivePresence(_ context.Context, documentID string, since time.Time) ([]store.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Presence{}
	for _, p := range m.presence {
		if p.DocumentID == documentID && p.LastSeenAt.After(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memoryStore) UpsertPresence(_ context.Context, documentID, userID string, cursor *int, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := documentID + "|" + userID
	row := m.presence[key]
	row.DocumentID, row.UserID, row.LastSeenAt = documentID, userID, seenAt
	row.User = m.summary(userID)
	if cursor != nil {
		pos := *cursor
		row.CursorPosition = &pos
	}
	m.presence[key] = row
	return nil
}

func (m *memoryStore) DeletePresence(_ context.Context, documentID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.presence, documentID+"|"+userID)
	return nil
}

func (m *memoryStore) DeleteStalePresence(_ context.Context, documentID string, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for key, p := range m.presence {
		if p.DocumentID == documentID && !p.LastSeenAt.After(before) {
			delete(m.presence, key)
			removed++
		}
	}
	return removed, nil
}

type fakeSessions struct {
	mu      sync.Mutex
	refresh map[string]store.User
	revoked map[string]bool
	pingErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{refresh: map[string]store.User{}, revoked: map[string]bool{}}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, hash string, user store.User, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[hash] = user
	return nil
}

func (f *fakeSessions) RotateRefreshSession(_ context.Context, oldHash, newHash string, _ time.Time) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.refresh[oldHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	delete(f.refresh, oldHash)
	f.refresh[newHash] = user
	return user, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, hash)
	return nil
}

func (f *fakeSessions) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeSessions) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeSessions) Ping(context.Context) error { return f.pingErr }

type fakeVersions struct {
	mu      sync.Mutex
	commits  []versions.Content
	messages []string
	removed  []string
}

func (f *fakeVersions) EnsureRepo(string, versions.Content, string) error { return nil }

func (f *fakeVersions) Commit(_ string, content versions.Content, author, message string) (versions.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, content)
	f.messages = append(f.messages, message)
	return versions.Version{Hash: "abc1234", Message: message, Author: author}, nil
}

func (f *fakeVersions) Remove(documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, documentID)
	return nil
}

func (f *fakeVersions) History(string, int) ([]versions.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]versions.Version, 0, len(f.commits))
	for range f.commits {
		out = append(out, versions.Version{Hash: "abc1234"})
	}
	return out, nil
}

type fakeGenerator struct {
	generateFn func(generate.Request) (generate.Result, error)
}

func (f *fakeGenerator) Generate(_ context.Context, req generate.Request) (generate.Result, error) {
	return f.generateFn(req)
}

type fakeLedger struct {
	balance int
}

func (f *fakeLedger) Balance(_ context.Context, userID string) (store.CreditAccount, error) {
	return store.CreditAccount{UserID: userID, Balance: f.balance, Plan: "free"}, nil
}

func (f *fakeLedger) CompletePurchase(_ context.Context, userID string, input billing.PurchaseInput) (store.CreditAccount, error) {
	if input.Signature != "valid" {
		return store.CreditAccount{}, billing.ErrInvalidSignature
	}
	f.balance += 50
	return store.CreditAccount{UserID: userID, Balance: f.balance, Plan: "free"}, nil
}

type fakeSearch struct {
	mu        sync.Mutex
	last      search.Query
	documents []search.DocumentRecord
	comments  []search.CommentRecord
	deleted   []string
	response  search.Response

	deletedDocuments []string
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = q
	return f.response
}

func (f *fakeSearch) IndexDocument(doc search.DocumentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents = append(f.documents, doc)
}

func (f *fakeSearch) IndexComment(c search.CommentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, c)
}

func (f *fakeSearch) DeleteDocument(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedDocuments = append(f.deletedDocuments, id)
}

func (f *fakeSearch) DeleteComment(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

type fakeExporter struct {
	exportFn func(export.Request) (*export.Result, error)
}

func (f *fakeExporter) Export(_ context.Context, req export.Request) (*export.Result, error) {
	return f.exportFn(req)
}

var (
	userAvery = store.User{ID: "usr_avery", Email: "avery@firm.test", DisplayName: "Avery"}
	userBlake = store.User{ID: "usr_blake", Email: "blake@firm.test", DisplayName: "Blake"}
)

type testEnv struct {
	store     *memoryStore
	sessions  *fakeSessions
	versions  *fakeVersions
	search    *fakeSearch
	exporter  *fakeExporter
	generator *fakeGenerator
	hub       *collab.Hub
	service   *Service
	handler   http.Handler
}

// newTestEnv seeds Avery owning doc_1 and Blake with no access.
func newTestEnv(t *testing.T, withGenerator bool) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    newMemoryStore(),
		sessions: newFakeSessions(),
		versions: &fakeVersions{},
		search:   &fakeSearch{response: search.Response{Results: []search.Result{}}},
		exporter: &fakeExporter{exportFn: func(req export.Request) (*export.Result, error) {
			return &export.Result{Data: []byte("<html></html>"), Filename: "doc.html", MimeType: "text/html; charset=utf-8"}, nil
		}},
	}
	env.store.addUser(userAvery)
	env.store.addUser(userBlake)
	env.store.addDocument(store.Document{ID: "doc_1", OwnerID: userAvery.ID, Title: "Lease", Content: "Term", Status: "draft"})

	env.hub = collab.NewHub(collab.Deps{Gateway: env.store, Log: zerolog.Nop()}, collab.WithIntervals(time.Hour, time.Hour))
	t.Cleanup(env.hub.Close)

	deps := Deps{
		Store:    env.store,
		Sessions: env.sessions,
		Versions: env.versions,
		Ledger:   &fakeLedger{balance: 10},
		Search:   env.search,
		Export:   env.exporter,
		Hub:      env.hub,
		Log:      zerolog.Nop(),
	}
	if withGenerator {
		env.generator = &fakeGenerator{generateFn: func(req generate.Request) (generate.Result, error) {
			return generate.Result{Content: "generated " + string(req.Kind), Model: "gemini-test"}, nil
		}}
		deps.Generator = env.generator
	}
	cfg := config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour}
	env.service = New(cfg, deps)
	env.handler = NewHTTPServer(env.service, "*", zerolog.Nop()).Handler()
	return env
}

func (e *testEnv) token(t *testing.T, user store.User) string {
	t.Helper()
	session, err := e.service.issueAccess(user)
	if err != nil {
		t.Fatalf("issueAccess() error = %v", err)
	}
	return session.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	if code == "" {
		return
	}
	if got := decodeResponse(t, rec)["code"]; got != code {
		t.Fatalf("code = %v, want %s", got, code)
	}
}
