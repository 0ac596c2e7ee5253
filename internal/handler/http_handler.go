// Package handler exposes the approval engine over HTTP. Authentication and
// organization-context resolution happen upstream at the platform gateway;
// handlers trust the organization and actor identifiers they receive.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/veloretail/be-approvals/internal/apperrors"
	"github.com/veloretail/be-approvals/internal/service"
	"github.com/veloretail/be-approvals/internal/workflow"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	service *service.ApprovalService
	log     zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(svc *service.ApprovalService, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{service: svc, log: log}
}

// Register wires all routes onto the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListWorkflows(w, r)
		case http.MethodPost:
			h.CreateWorkflow(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/workflows/get", h.GetWorkflow)
	mux.HandleFunc("/api/v1/workflows/update", h.UpdateWorkflow)
	mux.HandleFunc("/api/v1/workflows/delete", h.DeleteWorkflow)
	mux.HandleFunc("/api/v1/workflows/activate", h.ActivateWorkflow)
	mux.HandleFunc("/api/v1/workflows/deactivate", h.DeactivateWorkflow)
	mux.HandleFunc("/api/v1/workflows/active", h.GetActiveWorkflow)
	mux.HandleFunc("/api/v1/workflows/evaluate", h.EvaluateWorkflow)
	mux.HandleFunc("/api/v1/evaluate", h.EvaluateTransaction)
	mux.HandleFunc("/api/v1/audit", h.GetAuditTrail)
}

// ── Workflow CRUD ────────────────────────────────────────────────────────────

type createWorkflowRequest struct {
	OrganizationID string              `json:"organization_id"`
	Definition     workflow.Definition `json:"definition"`
}

// CreateWorkflow handles POST /api/v1/workflows.
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}
	if req.OrganizationID == "" {
		h.writeBadRequest(w, "organization_id is required")
		return
	}

	wf, err := h.service.CreateWorkflow(r.Context(), req.OrganizationID, actorID(r), &req.Definition)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, wf)
}

// GetWorkflow handles GET /api/v1/workflows/get?id=.
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workflowID := r.URL.Query().Get("id")
	if workflowID == "" {
		h.writeBadRequest(w, "id is required")
		return
	}

	wf, err := h.service.GetWorkflow(r.Context(), workflowID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wf)
}

// ListWorkflows handles GET /api/v1/workflows?organization_id=.
func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	organizationID := r.URL.Query().Get("organization_id")
	if organizationID == "" {
		h.writeBadRequest(w, "organization_id is required")
		return
	}

	workflows, err := h.service.ListWorkflows(r.Context(), organizationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if workflows == nil {
		workflows = []*workflow.Workflow{}
	}
	h.writeJSON(w, http.StatusOK, workflows)
}

// UpdateWorkflow handles POST/PUT /api/v1/workflows/update?id=.
func (h *HTTPHandler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workflowID := r.URL.Query().Get("id")
	if workflowID == "" {
		h.writeBadRequest(w, "id is required")
		return
	}

	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}

	wf, err := h.service.UpdateWorkflow(r.Context(), workflowID, actorID(r), &def)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wf)
}

// DeleteWorkflow handles POST/DELETE /api/v1/workflows/delete?id=.
func (h *HTTPHandler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workflowID := r.URL.Query().Get("id")
	if workflowID == "" {
		h.writeBadRequest(w, "id is required")
		return
	}

	if err := h.service.DeleteWorkflow(r.Context(), workflowID, actorID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Active-workflow pointer ──────────────────────────────────────────────────

type activateRequest struct {
	OrganizationID string `json:"organization_id"`
	WorkflowID     string `json:"workflow_id"`
}

// ActivateWorkflow handles POST /api/v1/workflows/activate.
func (h *HTTPHandler) ActivateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}
	if req.OrganizationID == "" || req.WorkflowID == "" {
		h.writeBadRequest(w, "organization_id and workflow_id are required")
		return
	}

	if err := h.service.ActivateWorkflow(r.Context(), req.OrganizationID, req.WorkflowID, actorID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deactivateRequest struct {
	OrganizationID string `json:"organization_id"`
}

// DeactivateWorkflow handles POST /api/v1/workflows/deactivate.
func (h *HTTPHandler) DeactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req deactivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}
	if req.OrganizationID == "" {
		h.writeBadRequest(w, "organization_id is required")
		return
	}

	if err := h.service.DeactivateWorkflow(r.Context(), req.OrganizationID, actorID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetActiveWorkflow handles GET /api/v1/workflows/active?organization_id=.
// Responds 200 with a null body when no workflow is active.
func (h *HTTPHandler) GetActiveWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	organizationID := r.URL.Query().Get("organization_id")
	if organizationID == "" {
		h.writeBadRequest(w, "organization_id is required")
		return
	}

	wf, err := h.service.GetActiveWorkflow(r.Context(), organizationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wf)
}

// ── Evaluation ───────────────────────────────────────────────────────────────

type evaluateRequest struct {
	OrganizationID string                      `json:"organization_id"`
	Transaction    workflow.TransactionContext `json:"transaction"`
}

// EvaluateTransaction handles POST /api/v1/evaluate.
func (h *HTTPHandler) EvaluateTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}
	if req.OrganizationID == "" {
		h.writeBadRequest(w, "organization_id is required")
		return
	}

	result, err := h.service.EvaluateTransaction(r.Context(), req.OrganizationID, req.Transaction)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// EvaluateWorkflow handles POST /api/v1/workflows/evaluate?id= (dry-run
// against a specific workflow, active or not).
func (h *HTTPHandler) EvaluateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workflowID := r.URL.Query().Get("id")
	if workflowID == "" {
		h.writeBadRequest(w, "id is required")
		return
	}

	var txn workflow.TransactionContext
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}

	result, err := h.service.EvaluateWorkflow(r.Context(), workflowID, txn)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ── Audit ────────────────────────────────────────────────────────────────────

// GetAuditTrail handles GET /api/v1/audit?organization_id=&limit=.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	organizationID := r.URL.Query().Get("organization_id")
	if organizationID == "" {
		h.writeBadRequest(w, "organization_id is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.service.GetAuditTrail(r.Context(), organizationID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*workflow.AuditEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// ── Response helpers ─────────────────────────────────────────────────────────

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    apperrors.Code         `json:"code"`
	Message string                 `json:"message"`
	Fields  []apperrors.FieldError `json:"fields,omitempty"`
}

// writeError maps the application error taxonomy onto HTTP statuses.
// Validation faults carry field details so clients can render form errors;
// internal faults get a generic retry-later message distinct from input
// faults.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)

	var status int
	message := err.Error()
	switch code {
	case apperrors.CodeValidation:
		status = http.StatusBadRequest
		message = "validation failed"
	case apperrors.CodeNotFound:
		status = http.StatusNotFound
	case apperrors.CodeForbidden:
		status = http.StatusForbidden
	case apperrors.CodeConflict:
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
		message = "an unexpected error occurred; please try again later"
		h.log.Error().Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
	}

	h.writeJSON(w, status, errorBody{Error: errorDetail{
		Code:    code,
		Message: message,
		Fields:  apperrors.FieldsOf(err),
	}})
}

func (h *HTTPHandler) writeBadRequest(w http.ResponseWriter, message string) {
	h.writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Code:    apperrors.CodeValidation,
		Message: message,
	}})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

// actorID identifies the administrator performing a mutation. Set by the
// platform gateway after authentication.
func actorID(r *http.Request) string {
	if id := r.Header.Get("X-Actor-ID"); id != "" {
		return id
	}
	return "system"
}
