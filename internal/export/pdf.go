package export

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const pdfTimeout = 30 * time.Second

// Renderer turns rendered HTML into PDF bytes.
type Renderer interface {
	RenderPDF(ctx context.Context, html string) ([]byte, error)
}

// Paper is a page size in inches.
type Paper struct {
	Width, Height float64
}

var (
	PaperLetter = Paper{Width: 8.5, Height: 11}
	PaperA4     = Paper{Width: 8.27, Height: 11.69}
)

const pageFooter = `<div style="font-size:8px;width:100%;text-align:center;color:#666;">` +
	`Page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`

// ChromeRenderer prints PDFs with headless Chrome.
type ChromeRenderer struct {
	// ExecPath overrides browser discovery when set.
	ExecPath string
	// Paper defaults to Letter.
	Paper Paper
}

var browserNames = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable", "headless-shell"}

func (c ChromeRenderer) browserPath() (string, error) {
	if c.ExecPath != "" {
		return c.ExecPath, nil
	}
	for _, name := range browserNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no chrome binary on PATH", ErrPDFDependencyMissing)
}

// RenderPDF loads html into a blank tab and prints it with page numbers in
// the footer.
func (c ChromeRenderer) RenderPDF(ctx context.Context, html string) ([]byte, error) {
	path, err := c.browserPath()
	if err != nil {
		return nil, err
	}
	paper := c.Paper
	if paper.Width == 0 || paper.Height == 0 {
		paper = PaperLetter
	}

	ctx, cancel := context.WithTimeout(ctx, pdfTimeout)
	defer cancel()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(path),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	var out []byte
	err = chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return fmt.Errorf("frame tree: %w", err)
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(paper.Width).
				WithPaperHeight(paper.Height).
				WithMarginTop(0.75).
				WithMarginBottom(0.9).
				WithMarginLeft(0.9).
				WithMarginRight(0.9).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate("<span></span>").
				WithFooterTemplate(pageFooter).
				Do(ctx)
			out = data
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return out, nil
}

const maxFilenameRunes = 60

// sanitizeFilename keeps ASCII letters and digits and folds every run of
// spaces, dashes and underscores into a single dash.
func sanitizeFilename(title string) string {
	var b strings.Builder
	pendingDash := false
	count := 0
	for _, r := range title {
		if count >= maxFilenameRunes {
			break
		}
		switch {
		case r < 128 && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'):
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
				count++
			}
			pendingDash = false
			b.WriteRune(r)
			count++
		case r == ' ' || r == '-' || r == '_':
			pendingDash = true
		}
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}
