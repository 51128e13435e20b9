package controllers

import (
	"context"
	"errors"
	"net/http"

	"github.com/lahari-sy/finmap/modules/mapping/infrastructure/upload"
	"github.com/lahari-sy/finmap/modules/mapping/services"
	"github.com/lahari-sy/finmap/pkg/composables"
	"github.com/lahari-sy/finmap/pkg/httpapi"
)

func requestMeta(r *http.Request) map[string]string {
	params, ok := composables.UseParams(r.Context())
	if !ok || params.RequestID == "" {
		return nil
	}
	return map[string]string{"request_id": params.RequestID}
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	_ = httpapi.WriteError(w, status, code, message, requestMeta(r))
}

// writeServiceError maps reconciler and upload errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		inputErr *services.InputError
		dupErr   *services.DuplicateIdentityError
		storeErr *services.StoreError
	)
	switch {
	case errors.Is(err, services.ErrUnknownDataset):
		writeAPIError(w, r, http.StatusNotFound, "MAPPING_DATASET_NOT_FOUND", err.Error())
	case errors.Is(err, services.ErrUnknownHierarchy):
		writeAPIError(w, r, http.StatusNotFound, "MAPPING_HIERARCHY_NOT_FOUND", err.Error())
	case errors.Is(err, upload.ErrUnsupportedFormat):
		writeAPIError(w, r, http.StatusUnsupportedMediaType, "MAPPING_UNSUPPORTED_FORMAT", err.Error())
	case errors.As(err, &inputErr):
		writeAPIError(w, r, http.StatusBadRequest, "MAPPING_INVALID_INPUT", inputErr.Msg)
	case errors.As(err, &dupErr):
		writeAPIError(w, r, http.StatusUnprocessableEntity, "MAPPING_DUPLICATE_IDENTITY", dupErr.Error())
	case errors.As(err, &storeErr):
		composables.UseLogger(r.Context()).WithError(err).Error("mapping: store failure")
		writeAPIError(w, r, http.StatusBadGateway, "MAPPING_STORE_ERROR", "database operation failed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeAPIError(w, r, http.StatusServiceUnavailable, "MAPPING_CANCELLED", err.Error())
	default:
		composables.UseLogger(r.Context()).WithError(err).Error("mapping: request failed")
		writeAPIError(w, r, http.StatusInternalServerError, "MAPPING_INTERNAL", "internal error")
	}
}

// writeResult answers 422 when any row failed validation; nothing was
// written in that case.
func writeResult(w http.ResponseWriter, res *services.ReconciliationResult) {
	status := http.StatusOK
	if len(res.Invalid) > 0 {
		status = http.StatusUnprocessableEntity
	}
	_ = httpapi.WriteJSON(w, status, res)
}

// actorOf prefers the proxy-supplied actor over the one in the body.
func actorOf(r *http.Request, fallback string) string {
	if actor := composables.UseActor(r.Context()); actor != "" {
		return actor
	}
	return fallback
}
