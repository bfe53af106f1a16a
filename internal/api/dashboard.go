package api

import (
	_ "embed"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/VenkatGGG/proxylease/pkg/httpx"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/dashboard" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	if path, ok := resolvedIndexPath(s.opts.StaticDir); ok {
		http.ServeFile(w, r, path)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}

// resolvedIndexPath finds index.html in dir, or in the working directory when
// dir is empty.
func resolvedIndexPath(dir string) (string, bool) {
	candidates := []string{}
	if trimmed := strings.TrimSpace(dir); trimmed != "" {
		candidates = append(candidates, trimmed)
	} else {
		candidates = append(candidates, ".", "static")
	}
	for _, candidate := range candidates {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		indexPath := filepath.Join(abs, "index.html")
		info, err := os.Stat(indexPath)
		if err != nil || info.IsDir() {
			continue
		}
		return indexPath, true
	}
	return "", false
}

//go:embed assets/dashboard.html
var dashboardHTML string
