package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cooldownd/internal/command"
	"cooldownd/internal/config"
	"cooldownd/internal/engine"
	"cooldownd/internal/events"
	"cooldownd/internal/metrics"
	"cooldownd/internal/model"
	"cooldownd/internal/storage"
)

type Server struct {
	cfg     *config.Manager
	svc     *engine.Service
	events  *events.Store
	metrics *metrics.Store
	store   storage.Store
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Cooldowns  cooldownsStatus `json:"cooldowns"`
	API        apiStatus       `json:"api"`
	Ingest     ingestStatus    `json:"ingest"`
	Storage    storageStatus   `json:"storage"`
}

type cooldownsStatus struct {
	Entries       int    `json:"entries"`
	Shards        int    `json:"shards"`
	Tick          string `json:"tick"`
	SweepInterval string `json:"sweep_interval"`
	Actions       int    `json:"actions"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type ingestStatus struct {
	Kafka bool `json:"kafka"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver,omitempty"`
}

type cooldownView struct {
	Actor       string     `json:"actor"`
	Action      string     `json:"action"`
	Active      bool       `json:"active"`
	Remaining   string     `json:"remaining"`
	RemainingMS int64      `json:"remaining_ms"`
	Until       *time.Time `json:"until,omitempty"`
}

type resultView struct {
	Op          command.Op `json:"op"`
	Actor       string     `json:"actor"`
	Action      string     `json:"action,omitempty"`
	Granted     bool       `json:"granted"`
	RemainingMS int64      `json:"remaining_ms,omitempty"`
	Cleared     int        `json:"cleared,omitempty"`
}

func NewServer(cfg *config.Manager, svc *engine.Service, eventsStore *events.Store, metricsStore *metrics.Store, store storage.Store, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		events:  eventsStore,
		metrics: metricsStore,
		store:   store,
		logger:  logger,
		version: version,
	}
}

func Start(ctx context.Context, server *Server) *http.Server {
	if server == nil || server.cfg == nil {
		return nil
	}
	logger := server.logger
	current := server.cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}

	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("GET /cooldowns/{actor}", s.handleListActor)
	mux.HandleFunc("DELETE /cooldowns/{actor}", s.handleClearActor)
	mux.HandleFunc("GET /cooldowns/{actor}/{action}", s.handleGet)
	mux.HandleFunc("POST /cooldowns/{actor}/{action}", s.handleConsume)
	mux.HandleFunc("DELETE /cooldowns/{actor}/{action}", s.handleReset)
	mux.HandleFunc("POST /commands", s.handleCommands)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /audit", s.handleAudit)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /config/actions", s.handleGetActions)
	mux.HandleFunc("POST /config/actions", s.handleUpdateActions)
	mux.HandleFunc("POST /admin/clear", s.handleClear)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Cooldowns: cooldownsStatus{
			Entries:       s.svc.Len(),
			Shards:        cfg.Cooldowns.Shards,
			Tick:          cfg.Cooldowns.Tick.String(),
			SweepInterval: cfg.Cooldowns.SweepInterval.String(),
			Actions:       len(cfg.Cooldowns.Actions),
		},
		API:     apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Ingest:  ingestStatus{Kafka: cfg.Ingest.Kafka.Enabled},
		Storage: storageStatus{Enabled: cfg.Storage.Enabled},
	}
	if cfg.Storage.Enabled {
		resp.Storage.Driver = cfg.Storage.Driver
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListActor(w http.ResponseWriter, r *http.Request) {
	actor, err := model.ParseActorID(r.PathValue("actor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	statuses := s.svc.StatusFor(actor)
	list := make([]cooldownView, 0, len(statuses))
	for _, st := range statuses {
		list = append(list, toCooldownView(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor":     actor.String(),
		"cooldowns": list,
		"count":     len(list),
	})
}

func (s *Server) handleClearActor(w http.ResponseWriter, r *http.Request) {
	actor, err := model.ParseActorID(r.PathValue("actor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor":   actor.String(),
		"cleared": s.svc.ClearAllFor(actor),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := model.NewKey(r.PathValue("actor"), r.PathValue("action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, toCooldownView(s.svc.Status(key.Actor, key.Action)))
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fields := &command.Fields{}
	if len(strings.TrimSpace(string(body))) > 0 {
		if fields, err = command.ParseJSONBytes(body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	fields.Op = string(command.OpConsume)
	fields.Actor = r.PathValue("actor")
	fields.Action = r.PathValue("action")
	cmd, err := command.Normalize(*fields, s.cfg.Get())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := command.Apply(s.svc, cmd)
	if errors.Is(err, engine.ErrNoScheduler) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status := http.StatusOK
	if !res.Granted {
		status = http.StatusConflict
	}
	writeJSON(w, status, toResultView(res))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	key, err := model.NewKey(r.PathValue("actor"), r.PathValue("action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.svc.Reset(key.Actor, key.Action)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	trim := []byte(strings.TrimSpace(string(body)))
	if len(trim) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty body"))
		return
	}
	var list []map[string]interface{}
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &list); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	} else {
		var obj map[string]interface{}
		if err := json.Unmarshal(trim, &obj); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		list = append(list, obj)
	}

	cfg := s.cfg.Get()
	results := make([]resultView, 0, len(list))
	failed := 0
	for _, obj := range list {
		cmd, err := command.Normalize(*command.ParseJSONMap(obj), cfg)
		if err != nil {
			failed++
			if s.logger != nil {
				s.logger.Warn("command rejected", "err", err)
			}
			continue
		}
		res, err := command.Apply(s.svc, cmd)
		if err != nil {
			failed++
			continue
		}
		results = append(results, toResultView(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": len(results),
		"failed":   failed,
		"results":  results,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.Event
	switch {
	case r.URL.Query().Get("since") != "":
		ts, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		list = tail(s.events.Since(ts), limit)
	case r.URL.Query().Get("actor") != "":
		actor, err := model.ParseActorID(r.URL.Query().Get("actor"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		list = tail(s.events.ForActor(actor.String()), limit)
	default:
		list = s.events.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("storage disabled"))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list, err := s.store.RecentEvents(r.Context(), limit)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("audit read failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, errors.New("audit read failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.svc.Len(),
		"metrics": s.metrics.Snapshot(),
	})
}

func (s *Server) handleGetActions(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"default_duration": cfg.Cooldowns.DefaultDuration,
		"actions":          cfg.Cooldowns.Actions,
	})
}

func (s *Server) handleUpdateActions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		DefaultDuration *config.Duration           `json:"default_duration"`
		Actions         map[string]config.Duration `json:"actions"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	current := s.cfg.Get()
	next := *current
	next.Cooldowns.Actions = sanitizeActions(req.Actions)
	if req.DefaultDuration != nil {
		next.Cooldowns.DefaultDuration = *req.DefaultDuration
	}
	if err := config.Validate(&next); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.Update(&next); err != nil {
		if s.logger != nil {
			s.logger.Error("config update failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, errors.New("config update failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.events.Clear()
		s.metrics.Clear()
	case "events":
		s.events.Clear()
	case "metrics":
		s.metrics.Clear()
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown target"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func sanitizeActions(values map[string]config.Duration) map[string]config.Duration {
	out := make(map[string]config.Duration, len(values))
	for action, d := range values {
		action = strings.TrimSpace(action)
		if action == "" {
			continue
		}
		out[action] = d
	}
	return out
}

func toCooldownView(st engine.Status) cooldownView {
	return cooldownView{
		Actor:       st.Actor,
		Action:      st.Action,
		Active:      st.Active,
		Remaining:   st.Remaining.String(),
		RemainingMS: st.Remaining.Milliseconds(),
		Until:       st.Until,
	}
}

// tail keeps the newest limit events of an oldest-first list. A non-positive limit keeps all.
func tail(list []model.Event, limit int) []model.Event {
	if limit <= 0 || len(list) <= limit {
		return list
	}
	return list[len(list)-limit:]
}

func toResultView(res command.Result) resultView {
	return resultView{
		Op:          res.Op,
		Actor:       res.Actor,
		Action:      res.Action,
		Granted:     res.Granted,
		RemainingMS: res.Remaining.Milliseconds(),
		Cleared:     res.Cleared,
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
