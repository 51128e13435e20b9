package controllers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lahari-sy/finmap/modules/mapping/domain/cascade"
	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
	"github.com/lahari-sy/finmap/modules/mapping/services"
	"github.com/lahari-sy/finmap/pkg/application"
	"github.com/lahari-sy/finmap/pkg/httpapi"
)

// CascadeAPIController serves dropdown options for the cascading
// hierarchy pickers.
type CascadeAPIController struct {
	provider *services.CascadeProvider
	basePath string
}

func NewCascadeAPIController(app application.Application) application.Controller {
	return &CascadeAPIController{
		provider: app.Service(services.CascadeProvider{}).(*services.CascadeProvider),
		basePath: "/api/mapping/cascades",
	}
}

func (c *CascadeAPIController) Key() string {
	return c.basePath
}

func (c *CascadeAPIController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.HandleFunc("/invalidate", c.Invalidate).Methods(http.MethodPost)
	router.HandleFunc("/{hierarchy}/options", c.Options).Methods(http.MethodGet)
	router.HandleFunc("/{hierarchy}/stats", c.Stats).Methods(http.MethodGet)
}

type optionsResponse struct {
	Hierarchy string   `json:"hierarchy"`
	Path      []string `json:"path"`
	Options   []string `json:"options"`
}

// Options lists the values available below the ancestors given as
// repeated path parameters, e.g. ?path=Revenue&path=Product. Blank
// options are reported with their display label.
func (c *CascadeAPIController) Options(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["hierarchy"]
	tree, err := c.provider.Tree(r.Context(), name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	path := r.URL.Query()["path"]
	if path == nil {
		path = []string{}
	}
	ancestors := make([]string, len(path))
	for i, p := range path {
		if p != record.BlankDisplay {
			ancestors[i] = p
		}
	}
	options := tree.OptionsAt(ancestors...)
	out := make([]string, len(options))
	for i, o := range options {
		out[i] = record.Display(o)
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, optionsResponse{Hierarchy: name, Path: path, Options: out})
}

type statsResponse struct {
	Hierarchy string `json:"hierarchy"`
	cascade.Stats
}

func (c *CascadeAPIController) Stats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["hierarchy"]
	tree, err := c.provider.Tree(r.Context(), name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, statsResponse{Hierarchy: name, Stats: tree.Stats()})
}

// Invalidate drops every cached tree here and, with a shared epoch, on
// every other replica.
func (c *CascadeAPIController) Invalidate(w http.ResponseWriter, r *http.Request) {
	c.provider.Invalidate(r.Context())
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]bool{"invalidated": true})
}
