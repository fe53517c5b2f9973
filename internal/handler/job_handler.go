package handler

import (
	"net/http"

	"github.com/reconlab/mriserve/internal/jobs"
)

// JobHandler handles job lifecycle requests
type JobHandler struct {
	service        *jobs.Service
	maxUploadBytes int64
}

// NewJobHandler creates a new job handler
func NewJobHandler(service *jobs.Service, maxUploadBytes int64) *JobHandler {
	return &JobHandler{
		service:        service,
		maxUploadBytes: maxUploadBytes,
	}
}

// Create handles POST /api/jobs
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	input, inputHeader, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer input.Close()

	req := jobs.CreateRequest{
		Name:          r.FormValue("name"),
		Algorithm:     r.FormValue("algorithm"),
		ParamsJSON:    []byte(r.FormValue("params")),
		Input:         input,
		InputFilename: inputHeader.Filename,
	}

	if pulseq, pulseqHeader, err := r.FormFile("pulseq_file"); err == nil {
		defer pulseq.Close()
		req.Pulseq = pulseq
		req.PulseqFilename = pulseqHeader.Filename
	}

	record, err := h.service.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// List handles GET /api/jobs
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// Get handles GET /api/jobs/{id}
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request, jobID string) {
	record, err := h.service.Get(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// Abort handles POST /api/jobs/{id}/abort
func (h *JobHandler) Abort(w http.ResponseWriter, r *http.Request, jobID string) {
	record, err := h.service.Abort(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// Delete handles DELETE /api/jobs/{id}
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := h.service.Delete(r.Context(), jobID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Input handles GET /api/jobs/{id}/input
func (h *JobHandler) Input(w http.ResponseWriter, r *http.Request, jobID string) {
	record, err := h.service.Get(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !record.InputAvailable {
		writeError(w, http.StatusNotFound, "input file is not available")
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+record.InputFilename+"\"")
	http.ServeFile(w, r, h.service.InputPath(record.ID, record.InputFilename))
}
