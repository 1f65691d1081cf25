package export

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"lexdraft/api/internal/archive"
	"lexdraft/api/internal/store"
	"lexdraft/api/internal/versions"
)

// DataStore is the persistence subset export reads from.
type DataStore interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	ListComments(ctx context.Context, documentID string) ([]store.Comment, error)
}

// VersionSource resolves historical document content.
type VersionSource interface {
	ContentAt(documentID, hash string) (versions.Content, versions.Version, error)
}

// Archive stores export output and hands out download links.
type Archive interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Service provides document export functionality
type Service struct {
	store    DataStore
	versions VersionSource
	renderer Renderer
	archive  Archive
	now      func() time.Time
	log      zerolog.Logger
}

// NewService creates an export service. Pass a nil interface for arc to
// skip archiving.
func NewService(ds DataStore, vs VersionSource, renderer Renderer, arc Archive, log zerolog.Logger) *Service {
	return &Service{store: ds, versions: vs, renderer: renderer, archive: arc, now: time.Now, log: log}
}

// Export renders the document and, when object storage is configured,
// uploads the output and returns a presigned download link.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format == "" {
		req.Format = FormatPDF
	}
	if req.Format != FormatPDF && req.Format != FormatHTML {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	doc, err := s.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}

	data := TemplateData{
		Title:     doc.Title,
		Status:    doc.Status,
		UpdatedAt: doc.UpdatedAt,
	}
	body := doc.Content
	if req.VersionHash != "" {
		if s.versions == nil {
			return nil, fmt.Errorf("load version %s: %w", req.VersionHash, versions.ErrNotFound)
		}
		content, version, err := s.versions.ContentAt(req.DocumentID, req.VersionHash)
		if err != nil {
			return nil, fmt.Errorf("load version %s: %w", req.VersionHash, err)
		}
		data.Title = content.Title
		data.Status = content.Status
		data.UpdatedAt = version.CreatedAt
		data.Version = version.Hash
		body = content.Body
	}
	data.ContentHTML = ContentToHTML(body)

	if owner, err := s.store.GetUserByID(ctx, doc.OwnerID); err == nil {
		data.Owner = owner.DisplayName
	}

	if req.IncludeComments {
		comments, err := s.store.ListComments(ctx, req.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
		data.Comments = threadComments(comments)
	}

	html, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	result := &Result{Filename: sanitizeFilename(data.Title) + "." + string(req.Format)}
	switch req.Format {
	case FormatPDF:
		pdf, err := s.renderer.RenderPDF(ctx, html)
		if err != nil {
			return nil, err
		}
		result.Data = pdf
		result.MimeType = "application/pdf"
	case FormatHTML:
		result.Data = []byte(html)
		result.MimeType = "text/html; charset=utf-8"
	}

	if s.archive != nil {
		key := archive.ExportKey(req.DocumentID, data.Version, string(req.Format), s.now())
		if err := s.archive.Put(ctx, key, result.Data, result.MimeType); err != nil {
			s.log.Warn().Err(err).Str("document_id", req.DocumentID).Msg("archive export")
			return result, nil
		}
		url, err := s.archive.PresignedURL(ctx, key, archive.PresignTTL)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("presign export")
			return result, nil
		}
		result.Key = key
		result.URL = url
	}
	return result, nil
}

// threadComments nests replies under their top-level comment, keeping
// creation order. Replies to replies are flattened onto the root.
func threadComments(comments []store.Comment) []TemplateComment {
	byID := make(map[string]store.Comment, len(comments))
	for _, c := range comments {
		byID[c.ID] = c
	}
	root := func(c store.Comment) string {
		for c.ParentID != nil {
			parent, ok := byID[*c.ParentID]
			if !ok {
				break
			}
			c = parent
		}
		return c.ID
	}

	var out []TemplateComment
	index := map[string]int{}
	for _, c := range comments {
		if c.ParentID == nil {
			index[c.ID] = len(out)
			out = append(out, toTemplateComment(c))
		}
	}
	for _, c := range comments {
		if c.ParentID == nil {
			continue
		}
		if i, ok := index[root(c)]; ok {
			out[i].Replies = append(out[i].Replies, toTemplateComment(c))
		}
	}
	return out
}

func toTemplateComment(c store.Comment) TemplateComment {
	author := c.User.DisplayName
	if author == "" {
		author = c.User.Email
	}
	return TemplateComment{Author: author, Content: c.Content, Resolved: c.Resolved}
}
