package offcache

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ControlPrefix is reserved on the proxy for administration endpoints.
const ControlPrefix = "/__offcache"

const maxControlBody = 64 << 10

// NewRouter mounts the control endpoints under ControlPrefix and hands every
// other request to the proxy.
func NewRouter(svc *Service, ctl *Controller) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := newOriginPolicy(svc.cfg.Server.Origin)
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowOriginFunc: func(r *http.Request, origin string) bool { return origins.allowed(r, origin) },
			AllowedMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:  []string{"Accept", "Content-Type"},
			MaxAge:          300,
		}))
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": svc.State().String()})
		})
		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, svc.Stats())
		})
		r.Post("/control", handleControl(ctl, origins))
		r.Get("/ws", handleControlSocket(ctl, origins))
	})

	r.Handle("/*", http.HandlerFunc(svc.handle))
	return r
}

// originPolicy decides which pages may administer the cache. Pages from the
// proxied origin or from the proxy itself qualify, as do local development
// servers. Requests without an Origin header come from non-browser clients.
type originPolicy struct {
	origin *url.URL
}

func newOriginPolicy(origin string) originPolicy {
	u, _ := url.Parse(origin)
	return originPolicy{origin: u}
}

func (p originPolicy) allowed(r *http.Request, origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if p.origin != nil && strings.EqualFold(u.Scheme, p.origin.Scheme) && strings.EqualFold(u.Host, p.origin.Host) {
		return true
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return u.Scheme == "http"
	}
	return false
}

// handleControl answers one control message per POST. Malformed bodies still
// get a {success:false} reply.
func handleControl(ctl *Controller, origins originPolicy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !origins.allowed(r, r.Header.Get("Origin")) {
			writeJSON(w, http.StatusForbidden, ControlReply{Error: "origin not allowed"})
			return
		}
		if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
			writeJSON(w, http.StatusUnsupportedMediaType, ControlReply{Error: "content type must be application/json"})
			return
		}
		var msg ControlMessage
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody)).Decode(&msg); err != nil {
			writeJSON(w, http.StatusBadRequest, ControlReply{Error: "invalid control message: " + err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ctl.Dispatch(context.WithoutCancel(r.Context()), msg))
	}
}

// handleControlSocket keeps a message channel open with a page. Every frame
// is one ControlMessage and gets exactly one reply frame carrying its id.
// Frames are handled in order; the session ends when the page disconnects.
func handleControlSocket(ctl *Controller, origins originPolicy) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return origins.allowed(r, r.Header.Get("Origin"))
		},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ctl.log.Warn("control socket upgrade failed", zap.String("origin", r.Header.Get("Origin")), zap.Error(err))
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxControlBody)
		ctx := context.WithoutCancel(r.Context())

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					ctl.log.Debug("control socket closed", zap.Error(err))
				}
				return
			}
			var reply ControlReply
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				reply = ControlReply{Error: "invalid control message: " + err.Error()}
			} else {
				reply = ctl.Dispatch(ctx, msg)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
