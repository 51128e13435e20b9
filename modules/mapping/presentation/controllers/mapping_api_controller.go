package controllers

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/lahari-sy/finmap/modules/mapping/infrastructure/upload"
	"github.com/lahari-sy/finmap/modules/mapping/services"
	"github.com/lahari-sy/finmap/pkg/application"
	"github.com/lahari-sy/finmap/pkg/httpapi"
)

const (
	defaultMaxUploadSize = 32 << 20
	maxJSONBody          = 16 << 20
)

type MappingAPIOptions struct {
	// MaxUploadSize caps uploaded files in bytes.
	MaxUploadSize int64
}

type MappingAPIController struct {
	reconciler *services.Reconciler
	opts       MappingAPIOptions
	basePath   string
}

func NewMappingAPIController(app application.Application, opts MappingAPIOptions) application.Controller {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = defaultMaxUploadSize
	}
	return &MappingAPIController{
		reconciler: app.Service(services.Reconciler{}).(*services.Reconciler),
		opts:       opts,
		basePath:   "/api/mapping",
	}
}

func (c *MappingAPIController) Key() string {
	return c.basePath
}

func (c *MappingAPIController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.HandleFunc("/{dataset}/preview", c.Preview).Methods(http.MethodPost)
	router.HandleFunc("/{dataset}/submit", c.Submit).Methods(http.MethodPost)
	router.HandleFunc("/{dataset}/upload", c.Upload).Methods(http.MethodPost)
	router.HandleFunc("/{dataset}/edits", c.Edits).Methods(http.MethodPatch)
	router.HandleFunc("/{dataset}/template", c.Template).Methods(http.MethodGet)
}

type submitBody struct {
	Actor string           `json:"actor"`
	Rows  []map[string]any `json:"rows"`
}

type editsBody struct {
	Actor  string          `json:"actor"`
	Edits  []services.Edit `json:"edits"`
	DryRun bool            `json:"dry_run"`
}

func (c *MappingAPIController) decodeRows(w http.ResponseWriter, r *http.Request) (*services.SubmitRequest, bool) {
	var body submitBody
	if err := httpapi.DecodeJSON(r, maxJSONBody, &body); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "MAPPING_INVALID_JSON", err.Error())
		return nil, false
	}
	rows := make([]services.InputRow, len(body.Rows))
	for i, values := range body.Rows {
		rows[i] = services.InputRow{Position: i + 1, Values: values}
	}
	return &services.SubmitRequest{
		Dataset: mux.Vars(r)["dataset"],
		Actor:   actorOf(r, body.Actor),
		Rows:    rows,
	}, true
}

// Preview reconciles the posted rows without writing.
func (c *MappingAPIController) Preview(w http.ResponseWriter, r *http.Request) {
	req, ok := c.decodeRows(w, r)
	if !ok {
		return
	}
	res, err := c.reconciler.Preview(r.Context(), *req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeResult(w, res)
}

func (c *MappingAPIController) Submit(w http.ResponseWriter, r *http.Request) {
	req, ok := c.decodeRows(w, r)
	if !ok {
		return
	}
	res, err := c.reconciler.Submit(r.Context(), *req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeResult(w, res)
}

// Upload reconciles a multipart "file" field. dry_run=true, as a query or
// form value, previews instead of writing.
func (c *MappingAPIController) Upload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["dataset"]
	ds, ok := c.reconciler.Definitions().Dataset(name)
	if !ok {
		writeServiceError(w, r, fmt.Errorf("%w: %s", services.ErrUnknownDataset, name))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, c.opts.MaxUploadSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, r, http.StatusRequestEntityTooLarge, "MAPPING_FILE_TOO_LARGE",
				fmt.Sprintf("file exceeds %d bytes", c.opts.MaxUploadSize))
			return
		}
		writeAPIError(w, r, http.StatusBadRequest, "MAPPING_NO_FILE", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := upload.ReadAll(file, c.opts.MaxUploadSize)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	rows, err := upload.Read(header.Filename, data, ds)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	dryRun, _ := strconv.ParseBool(r.FormValue("dry_run"))
	res, err := c.reconciler.Submit(r.Context(), services.SubmitRequest{
		Dataset: ds.Name,
		Actor:   actorOf(r, r.FormValue("actor")),
		Rows:    rows,
		DryRun:  dryRun,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeResult(w, res)
}

func (c *MappingAPIController) Edits(w http.ResponseWriter, r *http.Request) {
	var body editsBody
	if err := httpapi.DecodeJSON(r, maxJSONBody, &body); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "MAPPING_INVALID_JSON", err.Error())
		return
	}
	res, err := c.reconciler.SubmitEdits(r.Context(), services.EditsRequest{
		Dataset: mux.Vars(r)["dataset"],
		Actor:   actorOf(r, body.Actor),
		Edits:   body.Edits,
		DryRun:  body.DryRun,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeResult(w, res)
}

// Template downloads the upload template prefilled with the table's
// current rows.
func (c *MappingAPIController) Template(w http.ResponseWriter, r *http.Request) {
	format, err := upload.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	ds, rows, err := c.reconciler.Export(r.Context(), mux.Vars(r)["dataset"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := upload.WriteTemplate(&buf, format, ds, rows); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", upload.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", upload.Filename(ds, format)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
