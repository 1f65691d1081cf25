package export

import (
	"html"
	"html/template"
	"strconv"
	"strings"
)

// ContentToHTML converts stored document text to HTML. Blank lines separate
// paragraphs, lines starting with one to three '#' become headings, and
// lines starting with "- " are grouped into a bullet list. All text is escaped.
func ContentToHTML(body string) template.HTML {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	var b strings.Builder
	var para []string
	inList := false

	flush := func() {
		if len(para) > 0 {
			b.WriteString("<p>")
			b.WriteString(strings.Join(para, "<br>"))
			b.WriteString("</p>")
			para = nil
		}
	}
	closeList := func() {
		if inList {
			b.WriteString("</ul>")
			inList = false
		}
	}

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flush()
			closeList()
		case strings.HasPrefix(trimmed, "#"):
			flush()
			closeList()
			level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			if level > 3 {
				level = 3
			}
			text := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			tag := "h" + strconv.Itoa(level+1)
			b.WriteString("<" + tag + ">" + html.EscapeString(text) + "</" + tag + ">")
		case strings.HasPrefix(trimmed, "- "):
			flush()
			if !inList {
				b.WriteString("<ul>")
				inList = true
			}
			b.WriteString("<li>" + html.EscapeString(strings.TrimSpace(trimmed[2:])) + "</li>")
		default:
			closeList()
			para = append(para, html.EscapeString(trimmed))
		}
	}
	flush()
	closeList()
	return template.HTML(b.String())
}
