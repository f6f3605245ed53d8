// Package server provides the HTTP API and the event stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bryan-buckman/followsync/internal/engine"
	Logger "github.com/bryan-buckman/followsync/internal/log"
	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// maxImportSize caps uploaded import files.
const maxImportSize = 10 << 20

// Service is the engine surface the handlers use.
type Service interface {
	Follows() []*model.Follow
	Follow(id string) (*model.Follow, bool)
	Save(ctx context.Context, f *model.Follow) (*model.FetchResult, error)
	Subscribe(ctx context.Context, site *model.Follow, list []model.FeedCandidate) error
	Remove(ctx context.Context, id string) error
	Posts(id string) ([]model.Post, bool)
	PostDetail(id string, year int, postID string) (*model.PostDetail, bool)
	Progress() map[string]model.ProgressEntry
	LastFetch(id string) *model.FetchRecord
	Import(ctx context.Context, format string, contents []byte) (*engine.SyncReport, error)
	Export(ctx context.Context, format string) (string, []byte, error)
}

// EventSource streams encoded engine events.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// Server is the main HTTP server.
type Server struct {
	svc      Service
	events   EventSource
	router   chi.Router
	http     *http.Server
	upgrader websocket.Upgrader
	now      func() time.Time
}

// New creates a new server.
func New(svc Service, events EventSource) *Server {
	s := &Server{
		svc:    svc,
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Compress(5))
			r.Get("/follows", s.handleListFollows)
			r.Post("/follows", s.handleSaveFollow)
			r.Put("/follows/{id}", s.handleSaveFollow)
			r.Delete("/follows/{id}", s.handleRemoveFollow)
			r.Get("/follows/{id}/posts", s.handlePosts)
			r.Get("/follows/{id}/posts/{year}/{postID}", s.handlePostDetail)
			r.Post("/subscribe", s.handleSubscribe)
			r.Get("/progress", s.handleProgress)
			r.Post("/import", s.handleImport)
			r.Get("/export", s.handleExport)
		})
	})

	s.router = r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	Logger.Log.WithField("addr", addr).Infoln("Server starting")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "follows": len(s.svc.Follows())})
}

// followView adds scheduling details to a follow for listing.
type followView struct {
	*model.Follow
	LastFetched string `json:"lastFetched,omitempty"`
	Updating    bool   `json:"updating,omitempty"`
}

func (s *Server) handleListFollows(w http.ResponseWriter, r *http.Request) {
	progress := s.svc.Progress()
	follows := s.svc.Follows()
	out := make([]followView, 0, len(follows))
	for _, f := range follows {
		v := followView{Follow: f}
		if rec := s.svc.LastFetch(f.ID); rec != nil {
			v.LastFetched = humanize.RelTime(rec.At, s.now(), "ago", "from now")
		}
		if p, ok := progress[f.ID]; ok && !p.Done {
			v.Updating = true
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSaveFollow(w http.ResponseWriter, r *http.Request) {
	var f model.Follow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	// POST creates; only the path names an existing follow
	f.ID = chi.URLParam(r, "id")
	if f.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	res, err := s.svc.Save(r.Context(), &f)
	if err != nil {
		writeError(w, err)
		return
	}
	if res != nil && res.Ambiguous() {
		writeJSON(w, http.StatusMultipleChoices, map[string]any{"follow": f, "feeds": res.Feeds})
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleRemoveFollow(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Site  *model.Follow         `json:"site"`
		Feeds []model.FeedCandidate `json:"feeds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Site == nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := s.svc.Subscribe(r.Context(), req.Site, req.Feeds); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Post lists load in the background; 202 asks the client to wait for the
// matching replace event or retry.
func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.svc.Follow(id); !ok {
		http.Error(w, "Unknown follow", http.StatusNotFound)
		return
	}
	posts, ok := s.svc.Posts(id)
	if !ok {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "loading"})
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (s *Server) handlePostDetail(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		http.Error(w, "Invalid year", http.StatusBadRequest)
		return
	}
	d, ok := s.svc.PostDetail(chi.URLParam(r, "id"), year, chi.URLParam(r, "postID"))
	if !ok {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "loading"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Progress())
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = engine.FormatOPML
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImportSize)
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	contents, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read file", http.StatusBadRequest)
		return
	}
	report, err := s.svc.Import(r.Context(), format, contents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

var exportExt = map[string]string{
	engine.FormatOPML: "opml",
	engine.FormatHTML: "html",
	engine.FormatJSON: "json",
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = engine.FormatOPML
	}
	mime, data, err := s.svc.Export(r.Context(), format)
	if err != nil {
		writeError(w, err)
		return
	}
	Logger.Log.WithField("format", format).WithField("size", humanize.Bytes(uint64(len(data)))).Debugln("Export written")

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=follows.%s", exportExt[format]))
	w.Write(data)
}

// handleEvents forwards engine events to a websocket client until either side
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Logger.Log.WithError(err).Debugln("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stream, err := s.events.Subscribe(ctx)
	if err != nil {
		Logger.Log.WithError(err).Errorln("Cannot subscribe to events")
		return
	}

	// the client only sends close frames; reading surfaces them
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-stream:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Logger.Log.WithError(err).Warnln("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrFollowNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateFollow):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrUnknownFormat):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
