// Package site serves the lab site: its static files plus the JSON endpoints
// its pages read.
package site

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"offcache/internal/locale"
	"offcache/internal/sitedata"
)

type Config struct {
	Port int
	Root string // directory of built pages and assets
}

type Server struct {
	cfg        Config
	data       *sitedata.Loader
	log        *zap.Logger
	router     chi.Router
	httpServer *http.Server
}

func New(cfg Config, data *sitedata.Loader, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfg: cfg, data: data, log: log}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(contentLanguage)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/achievements/", s.handleAchievements)
		r.Get("/achievements/statistics/", s.handleStatistics)
		r.Get("/achievements/{id}/", s.handleAchievement)
		r.Get("/team-members/", s.handleTeamMembers)
		r.Get("/news/", s.handleNews)
		r.Get("/partners/", s.handlePartners)
	})
	r.Get("/search.json", s.handleSearch)

	r.Handle("/*", http.FileServer(http.Dir(s.cfg.Root)))
	return r
}

// contentLanguage tags every response with the locale of the request path.
func contentLanguage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Language", string(locale.Detect(r.URL.Path)))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAchievements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var out []sitedata.Achievement
	switch {
	case q.Get("q") != "":
		out = s.data.SearchAchievements(q.Get("q"))
	case q.Get("featured") != "":
		limit, _ := strconv.Atoi(q.Get("limit"))
		if limit <= 0 {
			limit = 6
		}
		out = s.data.FeaturedAchievements(limit)
	default:
		out = s.data.Achievements(q.Get("type"))
	}
	if out == nil {
		out = []sitedata.Achievement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"achievements": out})
}

func (s *Server) handleAchievement(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid achievement id", http.StatusBadRequest)
		return
	}
	a, ok := s.data.Achievement(id)
	if !ok {
		http.Error(w, "achievement not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.data.Statistics())
}

func (s *Server) handleTeamMembers(w http.ResponseWriter, r *http.Request) {
	members := s.data.TeamMembers()
	if members == nil {
		members = []sitedata.TeamMember{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	news := s.data.LatestNews(limit)
	if news == nil {
		news = []sitedata.News{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"news": news})
}

func (s *Server) handlePartners(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category == "" {
		category = "all"
	}
	writeJSON(w, http.StatusOK, s.data.Partners(category))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = string(locale.EN)
	}
	writeJSON(w, http.StatusOK, s.data.Search(lang))
}

// Start listens on the configured port and blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info("site listening", zap.String("addr", s.httpServer.Addr), zap.String("root", s.cfg.Root))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
