package web

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joescharf/bugbot/internal/models"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static
var staticFS embed.FS

// markdown renders user-supplied bug text. Raw HTML in the source is escaped
// because goldmark's renderer is not configured as unsafe.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// page is the data every template receives.
type page struct {
	Title     string
	AllowList bool
	Bug       *models.Issue
	Bugs      []*models.Issue
}

func parseTemplates(dateLayout string) (*template.Template, error) {
	funcs := template.FuncMap{
		"date": func(t time.Time) string { return t.Format(dateLayout) },
		"markdown": func(src string) template.HTML {
			var buf bytes.Buffer
			if err := markdown.Convert([]byte(src), &buf); err != nil {
				return template.HTML(template.HTMLEscapeString(src))
			}
			return template.HTML(buf.String())
		},
	}
	return template.New("bugbot").Funcs(funcs).ParseFS(templatesFS, "templates/*.html")
}

// staticHandler serves the embedded stylesheet and other assets under /static/.
func staticHandler() (http.Handler, error) {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, err
	}
	return http.StripPrefix("/static/", http.FileServerFS(sub)), nil
}
