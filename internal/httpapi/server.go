// Package httpapi serves the local JSON API and the websocket bridge onto
// the message bus.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/ionicresearchlabs/ionic/internal/bus"
	"github.com/ionicresearchlabs/ionic/internal/config"
	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/incidentlist"
	"github.com/ionicresearchlabs/ionic/internal/logging"
	"github.com/ionicresearchlabs/ionic/internal/otel"
	"github.com/ionicresearchlabs/ionic/internal/store"
)

// Deps are the components the API exposes. Hub, List, Settings, Events
// and Transport may be nil; their endpoints then answer 503.
type Deps struct {
	Env       *feed.Env
	Hub       *feed.Hub
	List      *incidentlist.Controller
	Settings  *config.KV
	Events    *otel.RingBuffer
	Transport bus.Transport
	PageSize  int
	Logger    *log.Logger
}

// Server is the HTTP surface.
type Server struct {
	d   Deps
	log *log.Logger
	srv *http.Server

	settingsMu sync.Mutex // serializes read-modify-write of the settings blob
}

// New builds a server over d.
func New(d Deps) *Server {
	if d.PageSize <= 0 {
		d.PageSize = 25
	}
	l := d.Logger
	if l == nil {
		l = logging.WithPrefix("http")
	}
	return &Server{d: d, log: l}
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/feeds", s.listFeeds).Methods(http.MethodGet)
	api.HandleFunc("/feeds/refresh", s.refresh).Methods(http.MethodPost)
	api.HandleFunc("/ticker", s.ticker).Methods(http.MethodGet)
	api.HandleFunc("/collections/{collection}/items", s.searchItems).Methods(http.MethodGet)
	api.HandleFunc("/collections/{collection}/items/{id}", s.getItem).Methods(http.MethodGet)
	api.HandleFunc("/incidents", s.incidents).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.getSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.putSettings).Methods(http.MethodPut)
	api.HandleFunc("/settings/{component}/{category}/{name}", s.getSetting).Methods(http.MethodGet)
	api.HandleFunc("/settings/{component}/{category}/{name}", s.putSetting).Methods(http.MethodPut)
	api.HandleFunc("/debug/events", s.debugEvents).Methods(http.MethodGet)

	r.HandleFunc("/ws/{channel}", s.bridge).Methods(http.MethodGet)
	return r
}

// Handler is Router wrapped in an access log.
func (s *Server) Handler() http.Handler {
	return handlers.LoggingHandler(s.log.StandardLog().Writer(), s.Router())
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", "addr", addr)
		errc <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info("http api stopping")
		return s.srv.Shutdown(shutdown)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// storeStatus maps store errors onto HTTP statuses.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNoCollection), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNotReady), errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var (
	errUnavailable  = errors.New("not configured")
	errNullSettings = errors.New("settings must be a JSON object")
	errNoSetting    = errors.New("setting not found")
)

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	ready := s.d.Hub != nil && s.d.Hub.Ready()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"ready":  ready,
		"store":  s.d.Env.Store != nil && s.d.Env.Store.Ready(),
	})
}

func (s *Server) listFeeds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, feed.Statuses(s.d.Env))
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if s.d.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	err := s.d.Hub.Refresh(context.WithoutCancel(r.Context()), true)
	if errors.Is(err, feed.ErrThrottled) {
		writeError(w, http.StatusTooManyRequests, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func (s *Server) ticker(w http.ResponseWriter, _ *http.Request) {
	if s.d.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.d.Hub.Ticker())
}

func (s *Server) searchItems(w http.ResponseWriter, r *http.Request) {
	coll := mux.Vars(r)["collection"]
	q := r.URL.Query()
	var fields []string
	if f := q.Get("fields"); f != "" {
		fields = strings.Split(f, ",")
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	caseSensitive, _ := strconv.ParseBool(q.Get("case"))

	docs, err := s.d.Env.Store.Search(r.Context(), coll, q.Get("q"), fields, store.SearchOptions{Limit: limit, CaseSensitive: caseSensitive})
	if err != nil {
		writeError(w, storeStatus(err), err)
		return
	}
	if docs == nil {
		docs = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	coll, id := vars["collection"], vars["id"]

	if src, ok := s.d.Env.Lookup(coll); ok {
		rec, found, err := src.GetItemByID(r.Context(), id)
		switch {
		case err != nil:
			writeError(w, storeStatus(err), err)
		case !found:
			writeError(w, http.StatusNotFound, store.ErrNotFound)
		default:
			writeJSON(w, http.StatusOK, rec)
		}
		return
	}

	var doc json.RawMessage
	found, err := s.d.Env.Store.GetByID(r.Context(), coll, id, &doc)
	switch {
	case err != nil:
		writeError(w, storeStatus(err), err)
	case !found:
		writeError(w, http.StatusNotFound, store.ErrNotFound)
	default:
		writeJSON(w, http.StatusOK, doc)
	}
}

type incidentView struct {
	Source     string    `json:"source"`
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	EventTime  time.Time `json:"eventTime"`
	HTML       string    `json:"html"`
	HasDetails bool      `json:"hasDetails"`
}

type incidentPage struct {
	Page    int            `json:"page"`
	Size    int            `json:"size"`
	Total   int            `json:"total"`
	Filter  string         `json:"filter"`
	Sort    string         `json:"sort"`
	Entries []incidentView `json:"entries"`
}

func (s *Server) incidents(w http.ResponseWriter, r *http.Request) {
	if s.d.List == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	if size <= 0 {
		size = s.d.PageSize
	}
	if page < 0 {
		page = 0
	}
	f := s.d.List.Filter()
	if q.Has("filter") || q.Has("type") {
		f = incidentlist.Filter{Kind: incidentlist.ParseFilterKind(q.Get("filter")), Type: q.Get("type")}
		if f.Type != "" && !q.Has("filter") {
			f.Kind = incidentlist.FilterByType
		}
	}

	entries, total := s.d.List.Query(f, page, size)
	out := incidentPage{Page: page, Size: size, Total: total, Filter: f.String(), Sort: s.d.List.Order().String(), Entries: []incidentView{}}
	for _, e := range entries {
		out.Entries = append(out.Entries, incidentView{
			Source:     e.Source,
			ID:         e.Record.ID,
			Type:       e.Record.Type,
			EventTime:  e.Record.EventTime,
			HTML:       e.HTML,
			HasDetails: e.Record.HasDetails(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	if s.d.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	st, err := config.LoadSettings(s.d.Settings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	if s.d.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	var st config.Settings
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&st); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if st == nil {
		writeError(w, http.StatusBadRequest, errNullSettings)
		return
	}
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	if err := config.SaveSettings(s.d.Settings, st); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// setting is one value addressed by component, category and name.
type setting struct {
	Component string `json:"component"`
	Category  string `json:"category"`
	Name      string `json:"name"`
	Value     any    `json:"value"`
}

func (s *Server) getSetting(w http.ResponseWriter, r *http.Request) {
	if s.d.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	st, err := config.LoadSettings(s.d.Settings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	vars := mux.Vars(r)
	v, ok := st.Get(vars["component"], vars["category"], vars["name"])
	if !ok {
		writeError(w, http.StatusNotFound, errNoSetting)
		return
	}
	writeJSON(w, http.StatusOK, setting{Component: vars["component"], Category: vars["category"], Name: vars["name"], Value: v})
}

// putSetting stores the request body as one value, keeping the rest of the
// blob.
func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	if s.d.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	var v any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	st, err := config.LoadSettings(s.d.Settings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	vars := mux.Vars(r)
	st.Set(vars["component"], vars["category"], vars["name"], v)
	if err := config.SaveSettings(s.d.Settings, st); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, setting{Component: vars["component"], Category: vars["category"], Name: vars["name"], Value: v})
}

func (s *Server) debugEvents(w http.ResponseWriter, r *http.Request) {
	if s.d.Events == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 200
	}
	events := s.d.Events.Filter(r.URL.Query().Get("kind"), limit)
	if events == nil {
		events = []otel.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
