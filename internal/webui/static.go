package webui

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// staticHandler serves the built front-end from DistDir with a SPA fallback
// to index.html. Resolved paths must stay inside the dist directory.
func (s *Server) staticHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.DistDir == "" {
			http.NotFound(w, r)
			return
		}
		root, err := filepath.Abs(s.config.DistDir)
		if err != nil {
			http.NotFound(w, r)
			return
		}

		requested := strings.TrimPrefix(r.URL.Path, "/")
		if requested == "" {
			requested = "index.html"
		}
		resolved := filepath.Join(root, filepath.FromSlash(requested))
		if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			http.NotFound(w, r)
			return
		}

		info, err := os.Stat(resolved)
		if err != nil || info.IsDir() {
			// SPA fallback: unknown routes get the app shell.
			resolved = filepath.Join(root, "index.html")
			if _, err := os.Stat(resolved); err != nil {
				http.NotFound(w, r)
				return
			}
		}
		http.ServeFile(w, r, resolved)
	})
}
