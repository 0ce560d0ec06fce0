// Package server exposes the HTTP control API: aggregated fleet state reads
// and write actions that call straight into the orchestrator, console client
// and player directory. No business logic lives here.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/starkeeper/starkeeper/internal/manager"
	"github.com/starkeeper/starkeeper/internal/metrics"
	"github.com/starkeeper/starkeeper/internal/player"
)

// Router provides embeddable HTTP handlers for the fleet.
// Endpoints:
//
//	GET  /api/servers                   aggregated state of every server
//	GET  /api/servers/:id               one server
//	POST /api/servers/:id/:action       start|stop|restart|rcon|setcategory|
//	                                    kick|gamesave|gameload|gamenew
//	POST /api/shutdown                  stop the whole fleet
//	GET  /metrics                       prometheus
type Router struct {
	fleet    *manager.Fleet
	shutdown func()
}

func NewRouter(fleet *manager.Fleet, shutdown func()) *Router {
	return &Router{fleet: fleet, shutdown: shutdown}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	api := g.Group("/api")
	api.GET("/servers", r.handleList)
	api.GET("/servers/:id", r.handleGet)
	api.POST("/servers/:id/:action", r.handleAction)
	api.POST("/shutdown", r.handleShutdown)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, fleet *manager.Fleet, shutdown func()) *http.Server {
	r := NewRouter(fleet, shutdown)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type playerView struct {
	LocalID    string `json:"localId"`
	RegistryID string `json:"registryId"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	InGame     bool   `json:"inGame"`
	Stale      bool   `json:"stale"`
	PlaytimeMS int64  `json:"playtimeMs"`
}

type serverView struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	HostMode   string       `json:"hostMode"`
	Status     string       `json:"status"`
	GameAddr   string       `json:"gameAddr"`
	MaxPlayers int          `json:"maxPlayers"`
	Online     int          `json:"online"`
	Channel    string       `json:"channel,omitempty"`
	ActiveSave string       `json:"activeSave,omitempty"`
	Players    []playerView `json:"players"`
}

func (r *Router) view(s *manager.ManagedServer) serverView {
	cfg := s.Config()
	v := serverView{
		ID:         cfg.ID,
		Name:       cfg.Name,
		HostMode:   cfg.HostMode,
		Status:     string(s.Status()),
		GameAddr:   cfg.GameAddr,
		MaxPlayers: cfg.MaxPlayers,
	}
	now := time.Now()
	for _, p := range s.Players() {
		if p.InGame {
			v.Online++
		}
		v.Players = append(v.Players, playerView{
			LocalID:    p.LocalID,
			RegistryID: p.RegistryID,
			Name:       p.Name,
			Category:   string(p.Category),
			InGame:     p.InGame,
			Stale:      p.Stale,
			PlaytimeMS: p.Playtime(now).Milliseconds(),
		})
	}
	if chn := s.Channel(); chn != nil {
		v.Channel = chn.State().String()
		v.ActiveSave = chn.ActiveSave()
	}
	return v
}

func (r *Router) handleList(c *gin.Context) {
	out := make([]serverView, 0, len(r.fleet.Servers()))
	for _, s := range r.fleet.Servers() {
		out = append(out, r.view(s))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGet(c *gin.Context) {
	s, ok := r.fleet.Server(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown server id"})
		return
	}
	writeJSON(c, http.StatusOK, r.view(s))
}

type actionBody struct {
	Command  string `json:"command"`
	Name     string `json:"name"`
	Category string `json:"category"`
	LocalID  string `json:"localId"`
	Save     string `json:"save"`
}

func (r *Router) handleAction(c *gin.Context) {
	s, ok := r.fleet.Server(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown server id"})
		return
	}
	var body actionBody
	_ = c.ShouldBindJSON(&body) // body optional for start/stop/restart

	switch c.Param("action") {
	case "start":
		s.Start()
	case "stop":
		s.Stop()
	case "restart":
		s.Restart()
	default:
		chn := s.Channel()
		if chn == nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "server has no console channel"})
			return
		}
		switch c.Param("action") {
		case "rcon":
			if body.Command == "" {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "command required"})
				return
			}
			chn.Run(body.Command)
		case "setcategory":
			if body.Name == "" || body.Category == "" {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "name and category required"})
				return
			}
			chn.SetPlayerCategory(body.Name, string(player.CategoryFromString(body.Category)))
		case "kick":
			if body.LocalID == "" {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "localId required"})
				return
			}
			chn.KickPlayer(body.LocalID)
		case "gamesave":
			chn.SaveGame()
		case "gameload":
			if body.Save == "" {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "save required"})
				return
			}
			chn.LoadGame(body.Save)
		case "gamenew":
			if body.Save == "" {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "save required"})
				return
			}
			chn.NewGame(body.Save)
		default:
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown action"})
			return
		}
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleShutdown(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
	if r.shutdown != nil {
		go r.shutdown()
	}
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
