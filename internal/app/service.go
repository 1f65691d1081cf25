package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"lexdraft/api/internal/aicache"
	"lexdraft/api/internal/auth"
	"lexdraft/api/internal/billing"
	"lexdraft/api/internal/collab"
	"lexdraft/api/internal/config"
	"lexdraft/api/internal/export"
	"lexdraft/api/internal/generate"
	"lexdraft/api/internal/rbac"
	"lexdraft/api/internal/search"
	"lexdraft/api/internal/store"
	"lexdraft/api/internal/util"
	"lexdraft/api/internal/versions"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type DataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocumentsForUser(context.Context, string) ([]store.Document, error)
	UpdateDocument(ctx context.Context, documentID, title, content, status string) error
	DeleteDocument(ctx context.Context, documentID string) error
	DocumentRole(ctx context.Context, documentID, userID string) (string, error)
	ListTemplates(context.Context) ([]store.Template, error)
	GetTemplate(context.Context, string) (store.Template, error)
	InsertTemplate(context.Context, store.Template) error
	Ping(ctx context.Context) error
}

type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	RotateRefreshSession(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	Ping(ctx context.Context) error
}

type VersionStore interface {
	EnsureRepo(documentID string, initial versions.Content, author string) error
	Commit(documentID string, content versions.Content, author, message string) (versions.Version, error)
	History(documentID string, limit int) ([]versions.Version, error)
	Remove(documentID string) error
}

type Generator interface {
	Generate(ctx context.Context, req generate.Request) (generate.Result, error)
}

type CreditLedger interface {
	Balance(ctx context.Context, userID string) (store.CreditAccount, error)
	CompletePurchase(ctx context.Context, userID string, input billing.PurchaseInput) (store.CreditAccount, error)
}

type SearchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	IndexComment(c search.CommentRecord)
	DeleteComment(id string)
	DeleteDocument(id string)
}

type Exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// Deps wires the service. Sessions and Generator may be nil; the routes that
// need them answer 503.
type Deps struct {
	Store     DataStore
	Sessions  SessionStore
	Versions  VersionStore
	Generator Generator
	Ledger    CreditLedger
	Search    SearchIndex
	Export    Exporter
	Hub       *collab.Hub
	Log       zerolog.Logger
}

type Service struct {
	cfg       config.Config
	store     DataStore
	sessions  SessionStore
	versions  VersionStore
	generator Generator
	ledger    CreditLedger
	search    SearchIndex
	exporter  Exporter
	hub       *collab.Hub
	log       zerolog.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		versions:  deps.Versions,
		generator: deps.Generator,
		ledger:    deps.Ledger,
		search:    deps.Search,
		exporter:  deps.Export,
		hub:       deps.Hub,
		log:       deps.Log,
		now:       time.Now,
	}
}

var documentStatuses = map[string]struct{}{
	"draft":  {},
	"review": {},
	"final":  {},
}

const minPasswordLength = 8

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions reports the refresh-token store; nil when it is not configured.
func (s *Service) PingSessions(ctx context.Context) (configured bool, err error) {
	if s.sessions == nil {
		return false, nil
	}
	return true, s.sessions.Ping(ctx)
}

// Auth

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	displayName = strings.TrimSpace(displayName)
	if _, err := mail.ParseAddress(email); err != nil {
		return Session{}, validationError("A valid email is required")
	}
	if displayName == "" {
		return Session{}, validationError("displayName is required")
	}
	if len(password) < minPasswordLength {
		return Session{}, validationError(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	user := store.User{
		ID:           util.NewID("usr"),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	invalid := domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return Session{}, invalid
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, invalid
	}
	if err != nil {
		return Session{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return Session{}, invalid
	}
	return s.issueSession(ctx, user)
}

// Refresh exchanges a refresh token for a new pair. Each refresh token
// works once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if s.sessions == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "REFRESH_UNAVAILABLE", "Session refresh not configured", nil)
	}
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	next := newRefreshToken()
	user, err := s.sessions.RotateRefreshSession(ctx, auth.HashToken(refreshToken), auth.HashToken(next), s.now().Add(s.cfg.RefreshTTL))
	if err != nil {
		s.log.Debug().Err(err).Msg("refresh rejected")
		return Session{}, auth.ErrInvalidToken
	}
	session, err := s.issueAccess(user)
	if err != nil {
		return Session{}, err
	}
	session.RefreshToken = next
	return session, nil
}

func newRefreshToken() string {
	return util.NewID("rft") + util.NewID("")
}

func (s *Service) issueAccess(user store.User) (Session, error) {
	expiresAt := s.now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	session, err := s.issueAccess(user)
	if err != nil {
		return Session{}, err
	}
	if s.sessions == nil {
		return session, nil
	}
	refresh := newRefreshToken()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, s.now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}
	session.RefreshToken = refresh
	return session, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if s.sessions != nil {
		revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if s.sessions == nil {
		return nil
	}
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.log.Warn().Err(err).Msg("revoke access token")
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.log.Warn().Err(err).Msg("revoke refresh token")
		}
	}
	return nil
}

// Access

// authorize resolves the caller's role on the document. Documents the caller
// cannot see are reported as missing.
func (s *Service) authorize(ctx context.Context, documentID, userID string, action rbac.Action) (rbac.Role, error) {
	raw, err := s.store.DocumentRole(ctx, documentID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleNone, domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
	}
	if err != nil {
		return rbac.RoleNone, err
	}
	role := rbac.Normalize(raw)
	if !rbac.Can(role, action) {
		return role, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"role": role, "action": action})
	}
	return role, nil
}

// Documents

type CreateDocumentInput struct {
	Title      string `json:"title"`
	Content    string `json:"content"`
	TemplateID string `json:"templateId"`
}

type UpdateDocumentInput struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
	Status  *string `json:"status"`
}

func documentPayload(doc store.Document, role rbac.Role, withContent bool) map[string]any {
	payload := map[string]any{
		"id":         doc.ID,
		"ownerId":    doc.OwnerID,
		"title":      doc.Title,
		"status":     doc.Status,
		"templateId": nilIfEmpty(doc.TemplateID),
		"role":       role,
		"createdAt":  doc.CreatedAt,
		"updatedAt":  doc.UpdatedAt,
	}
	if withContent {
		payload["content"] = doc.Content
	}
	return payload
}

func documentRecord(doc store.Document) search.DocumentRecord {
	return search.DocumentRecord{
		ID:         doc.ID,
		DocumentID: doc.ID,
		Title:      doc.Title,
		Content:    doc.Content,
		Status:     doc.Status,
		OwnerID:    doc.OwnerID,
	}
}

func (s *Service) ListDocuments(ctx context.Context, session Session) ([]map[string]any, error) {
	documents, err := s.store.ListDocumentsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(documents))
	for _, doc := range documents {
		role := rbac.RoleOwner
		if doc.OwnerID != session.UserID {
			raw, err := s.store.DocumentRole(ctx, doc.ID, session.UserID)
			if err != nil {
				return nil, err
			}
			role = rbac.Normalize(raw)
		}
		items = append(items, documentPayload(doc, role, false))
	}
	return items, nil
}

func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, validationError("title is required")
	}
	if input.TemplateID != "" {
		if _, err := s.store.GetTemplate(ctx, input.TemplateID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, validationError("unknown templateId")
			}
			return nil, err
		}
	}

	now := s.now().UTC()
	doc := store.Document{
		ID:         util.NewID("doc"),
		OwnerID:    session.UserID,
		Title:      title,
		Content:    input.Content,
		TemplateID: input.TemplateID,
		Status:     "draft",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	if err := s.versions.EnsureRepo(doc.ID, versions.Content{Title: doc.Title, Body: doc.Content, Status: doc.Status}, session.UserName); err != nil {
		s.log.Error().Err(err).Str("document_id", doc.ID).Msg("initialize version history")
	}
	s.search.IndexDocument(documentRecord(doc))
	return documentPayload(doc, rbac.RoleOwner, true), nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	role, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc, role, true), nil
}

// UpdateDocument saves the fields present in input. Concurrent saves are
// last-write-wins; each save that changes content becomes a version.
func (s *Service) UpdateDocument(ctx context.Context, session Session, documentID string, input UpdateDocumentInput) (map[string]any, error) {
	role, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	before := versions.Content{Title: doc.Title, Body: doc.Content, Status: doc.Status}
	if input.Title != nil {
		doc.Title = strings.TrimSpace(*input.Title)
		if doc.Title == "" {
			return nil, validationError("title cannot be empty")
		}
	}
	if input.Content != nil {
		doc.Content = *input.Content
	}
	if input.Status != nil {
		if _, ok := documentStatuses[*input.Status]; !ok {
			return nil, validationError("status must be draft, review or final")
		}
		doc.Status = *input.Status
	}
	message := "Update document"
	if changed := versions.ChangedFields(before, versions.Content{Title: doc.Title, Body: doc.Content, Status: doc.Status}); len(changed) > 0 {
		message = "Update " + strings.Join(changed, ", ")
	}
	return s.saveDocument(ctx, session, doc, role, message)
}

func (s *Service) saveDocument(ctx context.Context, session Session, doc store.Document, role rbac.Role, message string) (map[string]any, error) {
	if err := s.store.UpdateDocument(ctx, doc.ID, doc.Title, doc.Content, doc.Status); err != nil {
		return nil, err
	}
	doc.UpdatedAt = s.now().UTC()

	payload := documentPayload(doc, role, true)
	version, err := s.versions.Commit(doc.ID, versions.Content{Title: doc.Title, Body: doc.Content, Status: doc.Status}, session.UserName, message)
	if err != nil {
		s.log.Error().Err(err).Str("document_id", doc.ID).Msg("commit document version")
	} else if version.Hash != "" {
		payload["version"] = version
	}
	s.search.IndexDocument(documentRecord(doc))
	return payload, nil
}

// DeleteDocument is reserved to the owner.
func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	role, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionRead)
	if err != nil {
		return err
	}
	if role != rbac.RoleOwner {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can delete a document", nil)
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if err := s.versions.Remove(documentID); err != nil {
		s.log.Warn().Err(err).Str("document_id", documentID).Msg("remove version history")
	}
	s.search.DeleteDocument(documentID)
	return nil
}

func (s *Service) History(ctx context.Context, session Session, documentID string, limit int) (map[string]any, error) {
	if _, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := s.versions.History(documentID, limit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []versions.Version{}
	}
	return map[string]any{"documentId": documentID, "versions": items}, nil
}

type ExportInput struct {
	Format          string `json:"format"`
	Version         string `json:"version"`
	IncludeComments bool   `json:"includeComments"`
}

func (s *Service) Export(ctx context.Context, session Session, documentID string, input ExportInput) (*export.Result, error) {
	if _, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{
		DocumentID:      documentID,
		VersionHash:     strings.TrimSpace(input.Version),
		Format:          export.Format(strings.ToLower(strings.TrimSpace(input.Format))),
		IncludeComments: input.IncludeComments,
	})
}

func (s *Service) ListTemplates(ctx context.Context) ([]map[string]any, error) {
	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(templates))
	for _, t := range templates {
		items = append(items, map[string]any{
			"id":          t.ID,
			"name":        t.Name,
			"category":    t.Category,
			"description": t.Description,
		})
	}
	return items, nil
}

// Generation

type GenerateInput struct {
	Kind       string `json:"kind"`
	Prompt     string `json:"prompt"`
	Model      string `json:"model"`
	TemplateID string `json:"templateId"`
}

// Generate runs a generation for the document. A document_generation result
// replaces the document content and is recorded as a version.
func (s *Service) Generate(ctx context.Context, session Session, documentID string, input GenerateInput) (map[string]any, error) {
	role, err := s.authorize(ctx, documentID, session.UserID, rbac.ActionGenerate)
	if err != nil {
		return nil, err
	}
	if s.generator == nil {
		return nil, domainError(http.StatusServiceUnavailable, "GENERATION_UNAVAILABLE", "Generation provider not configured", nil)
	}

	prompt := input.Prompt
	if strings.TrimSpace(prompt) == "" && input.TemplateID != "" {
		tmpl, err := s.store.GetTemplate(ctx, input.TemplateID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, validationError("unknown templateId")
			}
			return nil, err
		}
		prompt = tmpl.Prompt
	}

	kind := aicache.Kind(input.Kind)
	result, err := s.generator.Generate(ctx, generate.Request{
		UserID:     session.UserID,
		DocumentID: documentID,
		Kind:       kind,
		Prompt:     prompt,
		Model:      input.Model,
	})
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"kind":    kind,
		"content": result.Content,
		"cached":  result.Cached,
		"model":   result.Model,
	}
	if kind == aicache.KindDocumentGeneration {
		doc, err := s.store.GetDocument(ctx, documentID)
		if err != nil {
			return nil, err
		}
		doc.Content = result.Content
		saved, err := s.saveDocument(ctx, session, doc, role, "Generate document content")
		if err != nil {
			return nil, err
		}
		payload["document"] = saved
	}
	return payload, nil
}

// Credits

func creditsPayload(account store.CreditAccount) map[string]any {
	return map[string]any{
		"balance":   account.Balance,
		"plan":      account.Plan,
		"updatedAt": account.UpdatedAt,
	}
}

func (s *Service) Credits(ctx context.Context, session Session) (map[string]any, error) {
	account, err := s.ledger.Balance(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return creditsPayload(account), nil
}

func (s *Service) PurchaseCredits(ctx context.Context, session Session, input billing.PurchaseInput) (map[string]any, error) {
	account, err := s.ledger.CompletePurchase(ctx, session.UserID, input)
	if err != nil {
		return nil, err
	}
	return creditsPayload(account), nil
}

// Search

type SearchInput struct {
	Text   string
	Type   string
	Limit  int
	Offset int
}

func (s *Service) Search(ctx context.Context, session Session, input SearchInput) (search.Response, error) {
	filter := search.ResultType(input.Type)
	if filter != "" && filter != search.ResultDocument && filter != search.ResultComment {
		return search.Response{}, validationError("type must be document or comment")
	}
	if strings.TrimSpace(input.Text) == "" {
		return search.Response{Results: []search.Result{}, Query: input.Text}, nil
	}
	documents, err := s.store.ListDocumentsForUser(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	ids := make([]string, 0, len(documents))
	for _, doc := range documents {
		ids = append(ids, doc.ID)
	}
	if len(ids) == 0 {
		return search.Response{Results: []search.Result{}, Query: input.Text}, nil
	}
	return s.search.Search(ctx, search.Query{
		Text:        input.Text,
		FilterType:  filter,
		UserID:      session.UserID,
		DocumentIDs: ids,
		Limit:       input.Limit,
		Offset:      input.Offset,
	}), nil
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
