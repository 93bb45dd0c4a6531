// Package web embeds the control page (dist/) and serves it.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

const indexFile = "index.html"

// SPAHandler returns an http.Handler that serves the embedded control page.
// Unknown paths get index.html. The page is never cached so a restart with a
// new build is picked up; the other assets may be revalidated.
func SPAHandler() http.Handler {
	pageFS, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to open embedded page: " + err.Error())
	}
	files := http.FileServer(http.FS(pageFS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" || name == indexFile || !exists(pageFS, name) {
			w.Header().Set("Cache-Control", "no-cache")
			r.URL.Path = "/"
			files.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Cache-Control", "public, max-age=300")
		files.ServeHTTP(w, r)
	})
}

func exists(fsys fs.FS, name string) bool {
	info, err := fs.Stat(fsys, name)
	return err == nil && !info.IsDir()
}
