package api

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/dashboard.html
var staticFS embed.FS

var dashboardFS = func() fs.FS {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return sub
}()

// dashboardHandler serves the operator page that charts /healthz counters.
type dashboardHandler struct {
	files fs.FS
}

func newDashboardHandler() *dashboardHandler {
	return &dashboardHandler{files: dashboardFS}
}

// HandleDashboard handles GET /dashboard requests.
func (h *dashboardHandler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFileFS(w, r, h.files, "dashboard.html")
}
