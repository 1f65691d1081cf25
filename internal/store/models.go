package store

import "time"

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// UserSummary is the display snapshot joined onto collaboration rows.
// It is not authoritative; the users table is.
type UserSummary struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type Document struct {
	ID         string
	OwnerID    string
	Title      string
	Content    string
	TemplateID string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Template struct {
	ID          string
	Name        string
	Category    string
	Description string
	Prompt      string
	CreatedAt   time.Time
}

type Collaborator struct {
	ID         string      `json:"id"`
	DocumentID string      `json:"documentId"`
	UserID     string      `json:"userId"`
	Role       string      `json:"role"`
	AddedBy    string      `json:"addedBy"`
	AddedAt    time.Time   `json:"addedAt"`
	User       UserSummary `json:"user"`
}

type Comment struct {
	ID            string      `json:"id"`
	DocumentID    string      `json:"documentId"`
	UserID        string      `json:"userId"`
	ParentID      *string     `json:"parentId,omitempty"`
	Content       string      `json:"content"`
	PositionStart *int        `json:"positionStart,omitempty"`
	PositionEnd   *int        `json:"positionEnd,omitempty"`
	Resolved      bool        `json:"resolved"`
	ResolvedAt    *time.Time  `json:"resolvedAt,omitempty"`
	ResolvedBy    *string     `json:"resolvedBy,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	User          UserSummary `json:"user"`
}

type Presence struct {
	DocumentID     string      `json:"documentId"`
	UserID         string      `json:"userId"`
	CursorPosition *int        `json:"cursorPosition,omitempty"`
	LastSeenAt     time.Time   `json:"lastSeenAt"`
	User           UserSummary `json:"user"`
}

type CacheEntry struct {
	Fingerprint string
	DocumentID  string
	Kind        string
	Content     string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

type CreditAccount struct {
	UserID    string
	Balance   int
	Plan      string
	UpdatedAt time.Time
}

type CreditTransaction struct {
	ID        string
	UserID    string
	Kind      string // purchase, charge, refund
	Amount    int
	Reference string
	CreatedAt time.Time
}
