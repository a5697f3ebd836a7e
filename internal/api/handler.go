// Package api serves the HTTP surface: shortening requests, resolution,
// health, metrics and the optional static front-end.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-shortener/internal/delivery"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/events"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/logger"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/store"
)

// Shortener is the mapping store as seen by the handlers.
type Shortener interface {
	Create(ctx context.Context, originalURL string) (store.Record, error)
	Resolve(ctx context.Context, code string) (store.Record, error)
}

// Deliverer hands results to connected clients.
type Deliverer interface {
	Deliver(clientID, event string, payload map[string]any, maxRetries int) (string, error)
}

type Counter interface {
	Inc()
}

type Handler struct {
	store         Shortener
	deliverer     Deliverer
	publisher     events.Publisher
	publicBaseURL string
	maxRetries    int
	created       Counter
	resolved      Counter
	now           func() time.Time
}

type Options struct {
	PublicBaseURL string
	MaxRetries    int
	Publisher     events.Publisher
	Created       Counter
	Resolved      Counter
}

type nopCounter struct{}

func (nopCounter) Inc() {}

func NewHandler(s Shortener, d Deliverer, opts Options) *Handler {
	h := &Handler{
		store:         s,
		deliverer:     d,
		publisher:     opts.Publisher,
		publicBaseURL: strings.TrimSuffix(opts.PublicBaseURL, "/"),
		maxRetries:    opts.MaxRetries,
		created:       opts.Created,
		resolved:      opts.Resolved,
		now:           time.Now,
	}
	if h.publisher == nil {
		h.publisher = events.NopPublisher{}
	}
	if h.created == nil {
		h.created = nopCounter{}
	}
	if h.resolved == nil {
		h.resolved = nopCounter{}
	}
	return h
}

type createRequest struct {
	URL      string `json:"url"`
	ClientID string `json:"clientId"`
}

type createResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

type resolveResponse struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON body"})
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "URL parameter is required"})
		return
	}
	if req.ClientID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Client ID is required"})
		return
	}

	record, err := h.store.Create(r.Context(), req.URL)
	if err != nil {
		logger.ErrorF("Fail to shorten %s, details: %v", req.URL, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to shorten URL"})
		return
	}
	h.created.Inc()

	shortenedURL := h.baseURL(r) + "/" + record.ShortCode
	logger.InfoF("Shortened %s to %s", req.URL, shortenedURL)

	// the result travels over the client's WebSocket, not this response
	_, err = h.deliverer.Deliver(req.ClientID, protocol.EventURLShortened, map[string]any{
		"shortenedUrl": shortenedURL,
		"originalUrl":  req.URL,
	}, h.maxRetries)
	if err != nil && !errors.Is(err, delivery.ErrClientUnreachable) {
		logger.WarnF("Fail to deliver %s to client %s, details: %v", shortenedURL, req.ClientID, err)
	}

	h.publish(r.Context(), events.Event{
		Type:        events.TypeURLShortened,
		ShortCode:   record.ShortCode,
		OriginalURL: record.OriginalURL,
		ShortURL:    shortenedURL,
		ClientID:    req.ClientID,
		OccurredAt:  record.CreatedAt,
	})

	writeJSON(w, http.StatusAccepted, createResponse{
		Message: "URL shortening request received and processed",
		Status:  "pending_delivery",
	})
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("shortCode")
	record, err := h.store.Resolve(r.Context(), code)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Shortened URL not found"})
		return
	}
	if err != nil {
		logger.ErrorF("Fail to resolve %s, details: %v", code, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to resolve URL"})
		return
	}
	h.resolved.Inc()

	h.publish(r.Context(), events.Event{
		Type:        events.TypeURLResolved,
		ShortCode:   record.ShortCode,
		OriginalURL: record.OriginalURL,
		AccessCount: record.AccessCount,
		OccurredAt:  h.now().UTC(),
	})

	writeJSON(w, http.StatusOK, resolveResponse{URL: record.OriginalURL})
}

func (h *Handler) publish(ctx context.Context, event events.Event) {
	if err := h.publisher.Publish(ctx, event); err != nil {
		logger.WarnF("Fail to publish %s event for %s, details: %v", event.Type, event.ShortCode, err)
	}
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WarnF("Fail to write response, details: %v", err)
	}
}
