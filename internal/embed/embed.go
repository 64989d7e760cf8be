package embed

import (
	"embed"
	"html/template"
	"io/fs"
)

//go:embed templates/*.html
var templateFS embed.FS

// Templates parses the embedded HTML pages. Pages are addressed by file
// name, e.g. "chat.html".
func Templates() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.html")
}

// TemplateFS exposes the raw page sources
func TemplateFS() (fs.FS, error) {
	return fs.Sub(templateFS, "templates")
}
