package api

import (
	"net/http"
	"path/filepath"

	"github.com/rs/cors"
)

type RouterOptions struct {
	// WebSocketPath mounts the gateway; empty disables it.
	WebSocketPath  string
	Gateway        http.Handler
	Metrics        http.Handler
	StaticDir      string
	AllowedOrigins []string
}

// NewRouter wires every HTTP route behind the CORS middleware.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /url", h.handleCreate)
	mux.HandleFunc("GET /{shortCode}", h.handleResolve)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.Gateway != nil && opts.WebSocketPath != "" {
		mux.Handle("GET "+opts.WebSocketPath, opts.Gateway)
	}
	if opts.StaticDir != "" {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir))))
		mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, filepath.Join(opts.StaticDir, "index.html"))
		})
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)
}
