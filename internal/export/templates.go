package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(documentLayout))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	Status      string
	ContentHTML template.HTML
	Owner       string
	UpdatedAt   time.Time
	Version     string
	Comments    []TemplateComment
}

// TemplateComment is a top-level comment with its replies.
type TemplateComment struct {
	Author   string
	Content  string
	Resolved bool
	Replies  []TemplateComment
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentLayout = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    @page { size: Letter; margin: 0.75in; }
    body { font-family: "Times New Roman", serif; line-height: 1.5; max-width: 800px; margin: 0 auto; }
    h1 { text-align: center; text-transform: uppercase; letter-spacing: 0.05em; }
    .meta { color: #555; font-size: 0.85em; text-align: center; margin-bottom: 2rem; }
    .status-draft::after { content: "DRAFT"; position: fixed; top: 40%; left: 20%; font-size: 6rem; color: rgba(0,0,0,0.06); transform: rotate(-30deg); }
    .comment { background: #f6f6f6; padding: 0.5rem 1rem; margin: 0.75rem 0; border-left: 3px solid #444; font-family: Arial, sans-serif; font-size: 0.9em; }
    .comment.resolved { opacity: 0.6; }
    .reply { margin-left: 1.5rem; border-left-color: #999; }
  </style>
</head>
<body class="status-{{.Status | lower}}">
  <h1>{{.Title}}</h1>
  <div class="meta">{{.Owner}} | {{formatDate .UpdatedAt "January 2, 2006"}}{{if .Version}} | version {{.Version}}{{end}}</div>
  <div class="content">{{.ContentHTML}}</div>
  {{if .Comments}}
  <h2>Comments</h2>
  {{range .Comments}}
  <div class="comment{{if .Resolved}} resolved{{end}}"><strong>{{.Author}}</strong>: {{.Content}}
    {{range .Replies}}<div class="comment reply"><strong>{{.Author}}</strong>: {{.Content}}</div>{{end}}
  </div>
  {{end}}
  {{end}}
</body>
</html>`
