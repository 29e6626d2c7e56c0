// Package site serves the upload page.
package site

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/jamur/pkg/logger"
)

// Error constants
var (
	ErrRender = errors.New("upload page render failed")
	ErrServe  = errors.New("upload page serve failed")
)

// Page holds the values rendered into the upload page.
type Page struct {
	// SiteKey is the public Turnstile key; empty hides the widget.
	SiteKey string
	// MaxUploadBytes is exposed to the client-side form.
	MaxUploadBytes int64
}

// Register attaches the upload page and its assets to mux.
func Register(_ context.Context, mux *http.ServeMux, page Page) {
	if mux == nil {
		panic("mux is nil")
	}

	mux.Handle("/{$}", NewRootHandler(page))
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(FS())))
}

// RootHandler renders the upload page.
type RootHandler struct {
	page Page
}

// NewRootHandler creates a new root handler
func NewRootHandler(page Page) *RootHandler {
	return &RootHandler{page: page}
}

// ServeHTTP handles GET / requests.
func (h *RootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, h.page); err != nil {
		logger.Get().Named("site").Error(r.Context(), "render upload page",
			logger.Error(fmt.Errorf("%w: %w", ErrRender, err)))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := buf.WriteTo(w); err != nil {
		logger.Get().Named("site").Debug(r.Context(), "write upload page",
			logger.Error(fmt.Errorf("%w: %w", ErrServe, err)))
	}
}
