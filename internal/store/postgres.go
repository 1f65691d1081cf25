package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrDuplicateReference  = errors.New("credit transaction reference already recorded")
	ErrConflict            = errors.New("row already exists")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, LOWER($2), $3, $4)
	`, user.ID, strings.TrimSpace(user.Email), user.DisplayName, user.PasswordHash)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users
		WHERE email = LOWER($1)
	`, strings.TrimSpace(email)).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Documents

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	status := item.Status
	if status == "" {
		status = "draft"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, title, content, template_id, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, item.ID, item.OwnerID, item.Title, item.Content, item.TemplateID, status)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, content, COALESCE(template_id, ''), status, created_at, updated_at
		FROM documents
		WHERE id = $1
	`, documentID).Scan(&item.ID, &item.OwnerID, &item.Title, &item.Content, &item.TemplateID, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

// ListDocumentsForUser returns documents the user owns or collaborates on.
func (s *PostgresStore) ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.owner_id, d.title, d.content, COALESCE(d.template_id, ''), d.status, d.created_at, d.updated_at
		FROM documents d
		WHERE d.owner_id = $1
		   OR EXISTS (SELECT 1 FROM document_collaborators c WHERE c.document_id = d.id AND c.user_id = $1)
		ORDER BY d.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Title, &item.Content, &item.TemplateID, &item.Status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// UpdateDocument overwrites title, content and status. Concurrent saves are
// last-write-wins.
func (s *PostgresStore) UpdateDocument(ctx context.Context, documentID, title, content, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET title=$2, content=$3, status=$4, updated_at=NOW()
		WHERE id=$1
	`, documentID, title, content, status)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteDocument removes the document. Collaborators, comments, presence
// and cached generations cascade.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DocumentRole reports "owner" for the document owner, the collaborator role
// otherwise, and sql.ErrNoRows when the user has no access.
func (s *PostgresStore) DocumentRole(ctx context.Context, documentID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT CASE WHEN d.owner_id = $2 THEN 'owner' ELSE c.role END
		FROM documents d
		LEFT JOIN document_collaborators c ON c.document_id = d.id AND c.user_id = $2
		WHERE d.id = $1 AND (d.owner_id = $2 OR c.user_id IS NOT NULL)
	`, documentID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return role, nil
}

// Templates

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, description, prompt, created_at
		FROM templates
		ORDER BY category ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	items := make([]Template, 0)
	for rows.Next() {
		var item Template
		if err := rows.Scan(&item.ID, &item.Name, &item.Category, &item.Description, &item.Prompt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, templateID string) (Template, error) {
	var item Template
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, description, prompt, created_at
		FROM templates
		WHERE id = $1
	`, templateID).Scan(&item.ID, &item.Name, &item.Category, &item.Description, &item.Prompt, &item.CreatedAt)
	if err != nil {
		return Template{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertTemplate(ctx context.Context, item Template) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, category, description, prompt)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Name, item.Category, item.Description, item.Prompt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// Collaborators

const collaboratorColumns = `c.id, c.document_id, c.user_id, c.role, c.added_by, c.added_at, u.id, u.email, u.display_name`

func scanCollaborator(row rowScanner) (Collaborator, error) {
	var item Collaborator
	err := row.Scan(&item.ID, &item.DocumentID, &item.UserID, &item.Role, &item.AddedBy, &item.AddedAt,
		&item.User.ID, &item.User.Email, &item.User.DisplayName)
	return item, err
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, documentID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+collaboratorColumns+`
		FROM document_collaborators c
		JOIN users u ON u.id = c.user_id
		WHERE c.document_id = $1
		ORDER BY c.added_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		item, err := scanCollaborator(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}

// InsertCollaborator relies on the (document_id, user_id) unique key to
// reject duplicates.
func (s *PostgresStore) InsertCollaborator(ctx context.Context, item Collaborator) (Collaborator, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH c AS (
			INSERT INTO document_collaborators (id, document_id, user_id, role, added_by)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, document_id, user_id, role, added_by, added_at
		)
		SELECT `+collaboratorColumns+`
		FROM c
		JOIN users u ON u.id = c.user_id
	`, item.ID, item.DocumentID, item.UserID, item.Role, item.AddedBy)
	created, err := scanCollaborator(row)
	if isUniqueViolation(err) {
		return Collaborator{}, ErrConflict
	}
	if err != nil {
		return Collaborator{}, fmt.Errorf("insert collaborator: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) DeleteCollaborator(ctx context.Context, documentID, collaboratorID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM document_collaborators
		WHERE document_id=$1 AND id=$2
	`, documentID, collaboratorID)
	if err != nil {
		return false, fmt.Errorf("delete collaborator: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete collaborator rows: %w", err)
	}
	return affected > 0, nil
}

// Comments

const commentColumns = `c.id, c.document_id, c.user_id, c.parent_id, c.content, c.position_start, c.position_end,
	c.resolved, c.resolved_at, c.resolved_by, c.created_at, c.updated_at, u.id, u.email, u.display_name`

func scanComment(row rowScanner) (Comment, error) {
	var item Comment
	err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.UserID,
		&item.ParentID,
		&item.Content,
		&item.PositionStart,
		&item.PositionEnd,
		&item.Resolved,
		&item.ResolvedAt,
		&item.ResolvedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.User.ID,
		&item.User.Email,
		&item.User.DisplayName,
	)
	return item, err
}

func (s *PostgresStore) ListComments(ctx context.Context, documentID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		JOIN users u ON u.id = c.user_id
		WHERE c.document_id = $1
		ORDER BY c.created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH c AS (
			INSERT INTO comments (id, document_id, user_id, parent_id, content, position_start, position_end)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING *
		)
		SELECT `+commentColumns+`
		FROM c
		JOIN users u ON u.id = c.user_id
	`, item.ID, item.DocumentID, item.UserID, item.ParentID, item.Content, item.PositionStart, item.PositionEnd)
	created, err := scanComment(row)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateComment(ctx context.Context, documentID, commentID, content string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH c AS (
			UPDATE comments
			SET content=$3, updated_at=NOW()
			WHERE document_id=$1 AND id=$2
			RETURNING *
		)
		SELECT `+commentColumns+`
		FROM c
		JOIN users u ON u.id = c.user_id
	`, documentID, commentID, content)
	updated, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, err
	}
	if err != nil {
		return Comment{}, fmt.Errorf("update comment: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) ResolveComment(ctx context.Context, documentID, commentID, resolvedBy string, resolvedAt time.Time) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH c AS (
			UPDATE comments
			SET resolved=TRUE, resolved_at=$4, resolved_by=$3, updated_at=NOW()
			WHERE document_id=$1 AND id=$2
			RETURNING *
		)
		SELECT `+commentColumns+`
		FROM c
		JOIN users u ON u.id = c.user_id
	`, documentID, commentID, resolvedBy, resolvedAt)
	resolved, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, err
	}
	if err != nil {
		return Comment{}, fmt.Errorf("resolve comment: %w", err)
	}
	return resolved, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, documentID, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE document_id=$1 AND id=$2`, documentID, commentID)
	if err != nil {
		return false, fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete comment rows: %w", err)
	}
	return affected > 0, nil
}

// Presence

// ListActivePresence returns presence rows seen strictly after since.
func (s *PostgresStore) ListActivePresence(ctx context.Context, documentID string, since time.Time) ([]Presence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.document_id, p.user_id, p.cursor_position, p.last_seen_at, u.id, u.email, u.display_name
		FROM document_presence p
		JOIN users u ON u.id = p.user_id
		WHERE p.document_id = $1 AND p.last_seen_at > $2
		ORDER BY p.last_seen_at DESC
	`, documentID, since)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	items := make([]Presence, 0)
	for rows.Next() {
		var item Presence
		if err := rows.Scan(&item.DocumentID, &item.UserID, &item.CursorPosition, &item.LastSeenAt,
			&item.User.ID, &item.User.Email, &item.User.DisplayName); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return items, nil
}

// UpsertPresence refreshes last_seen_at. A nil cursor keeps the stored one.
func (s *PostgresStore) UpsertPresence(ctx context.Context, documentID, userID string, cursor *int, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_presence (document_id, user_id, cursor_position, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id, user_id)
		DO UPDATE SET cursor_position=COALESCE(EXCLUDED.cursor_position, document_presence.cursor_position),
			last_seen_at=EXCLUDED.last_seen_at
	`, documentID, userID, cursor, seenAt)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePresence(ctx context.Context, documentID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_presence WHERE document_id=$1 AND user_id=$2`, documentID, userID)
	if err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteStalePresence(ctx context.Context, documentID string, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM document_presence
		WHERE document_id=$1 AND last_seen_at <= $2
	`, documentID, before)
	if err != nil {
		return 0, fmt.Errorf("delete stale presence: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stale presence rows: %w", err)
	}
	return affected, nil
}

// AI cache

func (s *PostgresStore) GetCacheEntry(ctx context.Context, fingerprint, documentID, kind string) (CacheEntry, error) {
	var item CacheEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, document_id, kind, content, created_at, expires_at
		FROM ai_cache
		WHERE fingerprint=$1 AND document_id=$2 AND kind=$3
	`, fingerprint, documentID, kind).Scan(&item.Fingerprint, &item.DocumentID, &item.Kind, &item.Content, &item.CreatedAt, &item.ExpiresAt)
	if err != nil {
		return CacheEntry{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpsertCacheEntry(ctx context.Context, entry CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_cache (fingerprint, document_id, kind, content, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fingerprint, document_id, kind)
		DO UPDATE SET content=EXCLUDED.content, created_at=EXCLUDED.created_at, expires_at=EXCLUDED.expires_at
	`, entry.Fingerprint, entry.DocumentID, entry.Kind, entry.Content, entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCacheEntry(ctx context.Context, fingerprint, documentID, kind string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM ai_cache
		WHERE fingerprint=$1 AND document_id=$2 AND kind=$3
	`, fingerprint, documentID, kind)
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Credits

func (s *PostgresStore) GetCreditAccount(ctx context.Context, userID string) (CreditAccount, error) {
	account := CreditAccount{UserID: userID, Plan: "free"}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, plan, updated_at
		FROM credit_accounts
		WHERE user_id=$1
	`, userID).Scan(&account.UserID, &account.Balance, &account.Plan, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return account, nil
	}
	if err != nil {
		return CreditAccount{}, fmt.Errorf("get credit account: %w", err)
	}
	return account, nil
}

// ApplyCreditTransaction records the ledger row and moves the balance by
// txn.Amount in one transaction. A balance may never go negative.
func (s *PostgresStore) ApplyCreditTransaction(ctx context.Context, txn CreditTransaction) (CreditAccount, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreditAccount{}, fmt.Errorf("begin credit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, kind, amount, reference)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (reference) DO NOTHING
	`, txn.ID, txn.UserID, txn.Kind, txn.Amount, txn.Reference)
	if err != nil {
		return CreditAccount{}, fmt.Errorf("insert credit transaction: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return CreditAccount{}, fmt.Errorf("insert credit transaction rows: %w", err)
	}
	if inserted == 0 {
		return CreditAccount{}, ErrDuplicateReference
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, txn.UserID); err != nil {
		return CreditAccount{}, fmt.Errorf("ensure credit account: %w", err)
	}

	account := CreditAccount{}
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE user_id=$1 AND balance + $2 >= 0
		RETURNING user_id, balance, plan, updated_at
	`, txn.UserID, txn.Amount).Scan(&account.UserID, &account.Balance, &account.Plan, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CreditAccount{}, ErrInsufficientBalance
	}
	if err != nil {
		return CreditAccount{}, fmt.Errorf("update credit balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return CreditAccount{}, fmt.Errorf("commit credit tx: %w", err)
	}
	return account, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
