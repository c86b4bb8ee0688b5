package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/importstack/importd/internal/api/middleware"
	"github.com/importstack/importd/internal/api/response"
)

// Dependencies holds all handler dependencies for the router.
type Dependencies struct {
	HealthHandler http.HandlerFunc

	UploadHandler         http.HandlerFunc
	ListImportsHandler    http.HandlerFunc
	GetImportHandler      http.HandlerFunc
	ParseHandler          http.HandlerFunc
	ApplyMappingHandler   http.HandlerFunc
	SuggestMappingHandler http.HandlerFunc
	ValidateHandler       http.HandlerFunc
	ConfirmHandler        http.HandlerFunc
	CancelHandler         http.HandlerFunc
	ProgressHandler       http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Import lifecycle
	r.Post("/api/v1/imports", orNotImplemented(deps.UploadHandler))
	r.Get("/api/v1/imports", orNotImplemented(deps.ListImportsHandler))
	r.Get("/api/v1/imports/{importID}", orNotImplemented(deps.GetImportHandler))

	r.Post("/api/v1/imports/{importID}/parse", orNotImplemented(deps.ParseHandler))
	r.Post("/api/v1/imports/{importID}/mapping", orNotImplemented(deps.ApplyMappingHandler))
	r.Post("/api/v1/imports/{importID}/mapping/suggest", orNotImplemented(deps.SuggestMappingHandler))
	r.Post("/api/v1/imports/{importID}/validate", orNotImplemented(deps.ValidateHandler))
	r.Post("/api/v1/imports/{importID}/confirm", orNotImplemented(deps.ConfirmHandler))
	r.Post("/api/v1/imports/{importID}/cancel", orNotImplemented(deps.CancelHandler))
	r.Get("/api/v1/imports/{importID}/progress", orNotImplemented(deps.ProgressHandler))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
