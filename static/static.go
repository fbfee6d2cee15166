// Package static serves the registration page and its assets, falling back
// to index.html so client-side routes resolve.
package static

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"visitorlog/httputil"
)

//go:embed site
var embedded embed.FS

const indexFile = "index.html"

// FS returns the directory tree to serve: dir when set, otherwise the
// embedded site. dir must contain index.html.
func FS(dir string) (fs.FS, error) {
	if dir == "" {
		return fs.Sub(embedded, "site")
	}
	fsys := os.DirFS(dir)
	if _, err := fs.Stat(fsys, indexFile); err != nil {
		return nil, fmt.Errorf("static dir %s: %w", dir, err)
	}
	return fsys, nil
}

// Handler serves files from fsys verbatim and answers every other path with
// index.html.
func Handler(fsys fs.FS) http.Handler {
	files := http.FileServer(http.FS(fsys))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" || name == indexFile {
			serveIndex(w, r, fsys)
			return
		}
		info, err := fs.Stat(fsys, name)
		if err != nil || info.IsDir() {
			serveIndex(w, r, fsys)
			return
		}
		files.ServeHTTP(w, r)
	})
}

func serveIndex(w http.ResponseWriter, r *http.Request, fsys fs.FS) {
	data, err := fs.ReadFile(fsys, indexFile)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}
