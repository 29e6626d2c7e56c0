package site

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"
)

//go:embed static
var staticFS embed.FS

// pageTemplate is parsed once; a broken template fails at start-up.
var pageTemplate = template.Must(template.ParseFS(staticFS, "static/index.html.tmpl"))

// FS returns an http.FileSystem for the embedded page assets.
func FS() http.FileSystem {
	sub, err := fs.Sub(staticFS, "static/assets")
	if err != nil {
		// Expose an empty FS on error.
		return http.FS(staticFS)
	}
	return http.FS(sub)
}
