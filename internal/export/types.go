// Package export renders documents to HTML or PDF and archives the result.
package export

import "errors"

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// Request contains parameters for an export operation
type Request struct {
	DocumentID      string
	VersionHash     string // empty = current content
	Format          Format
	IncludeComments bool
}

// Result contains the export output. Key and URL are set when the export was
// archived to object storage.
type Result struct {
	Data     []byte `json:"-"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Key      string `json:"key,omitempty"`
	URL      string `json:"url,omitempty"`
}

var (
	// ErrUnsupportedFormat indicates an export format other than pdf or html.
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
