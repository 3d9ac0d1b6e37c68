package httpserver

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
)

// staticFile serves one fixed file from the configured static directory. The
// name never comes from the request, so there is no path traversal to guard.
func (s *Server) staticFile(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.StaticDir == "" {
			http.NotFound(w, r)
			return
		}

		f, err := os.Open(filepath.Join(s.cfg.StaticDir, name))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn("failed to open static file", "file", name, "err", err)
			}
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || !info.Mode().IsRegular() {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Cache-Control", "no-cache")
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}
