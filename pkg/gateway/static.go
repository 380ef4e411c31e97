package gateway

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// staticHandler serves files below root. Directories resolve to index.html.
type staticHandler struct {
	root    string
	onError func(http.ResponseWriter, *http.Request, error)
}

func newStaticHandler(root string, onError func(http.ResponseWriter, *http.Request, error)) *staticHandler {
	return &staticHandler{root: root, onError: onError}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, segment := range strings.Split(r.URL.Path, "/") {
		if segment == ".." {
			h.onError(w, r, &apiError{status: http.StatusForbidden, message: "forbidden"})
			return
		}
	}

	rel := strings.TrimPrefix(r.URL.Path, "/")
	if rel == "" || strings.HasSuffix(rel, "/") {
		rel += "index.html"
	}
	full := filepath.Join(h.root, filepath.FromSlash(rel))

	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			h.onError(w, r, notFound("not found"))
			return
		}
		h.onError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.onError(w, r, err)
		return
	}
	if info.IsDir() {
		h.onError(w, r, notFound("not found"))
		return
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
