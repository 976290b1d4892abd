package handlers

import (
	"net/http"
	"strconv"

	"github.com/siteforge/engine/internal/api/types"
	"github.com/siteforge/engine/internal/api/validators"
	"github.com/siteforge/engine/internal/models"
	"github.com/siteforge/engine/internal/services"
)

type ProjectsHandler struct {
	svc      services.ProjectService
	validate interface{ Struct(any) error }
}

func NewProjectsHandler(svc services.ProjectService, v interface{ Struct(any) error }) *ProjectsHandler {
	if v == nil {
		v = validators.New()
	}
	return &ProjectsHandler{svc: svc, validate: v}
}

func (h *ProjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	if page <= 0 {
		page = 1
	}
	items, err := h.svc.ListProjects(r.Context(), &services.ProjectFilters{
		Status:   models.ProjectStatus(q.Get("status")),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items, Meta: &types.Meta{Page: page, PageSize: services.EffectivePageSize(size), Total: int64(len(items))}})
}

func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.ProjectCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeErrorStr(w, r, validators.Describe(err))
		return
	}
	p, err := h.svc.CreateProject(r.Context(), &services.CreateProjectInput{
		BusinessName:     req.BusinessName,
		Email:            req.Email,
		WebsiteType:      req.WebsiteType,
		Features:         req.Features,
		DesignStyle:      req.DesignStyle,
		Budget:           req.Budget,
		PaymentReference: req.PaymentReference,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusCreated, p)
}

func (h *ProjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.svc.GetProject(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, p)
}

func (h *ProjectsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.DeleteProject(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConfirmPayment records the payment reference and starts the workflow.
func (h *ProjectsHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req types.PaymentConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeErrorStr(w, r, validators.Describe(err))
		return
	}
	p, err := h.svc.ConfirmPayment(r.Context(), id, req.PaymentReference)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusAccepted, p)
}

func (h *ProjectsHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.svc.StartWorkflow(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusAccepted, p)
}

func (h *ProjectsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.svc.CancelWorkflow(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, p)
}
