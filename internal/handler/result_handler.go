package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/reconlab/mriserve/internal/jobs"
	"github.com/reconlab/mriserve/internal/model"
	"github.com/reconlab/mriserve/internal/recon"
	"github.com/reconlab/mriserve/internal/volume"
)

// ResultHandler serves result array data of finished jobs
type ResultHandler struct {
	service *jobs.Service
}

// NewResultHandler creates a new result handler
func NewResultHandler(service *jobs.Service) *ResultHandler {
	return &ResultHandler{
		service: service,
	}
}

// Volume handles GET /api/jobs/{id}/volume
func (h *ResultHandler) Volume(w http.ResponseWriter, r *http.Request, jobID string) {
	batch := r.URL.Query().Get("batch")

	vol, err := h.service.Volume(r.Context(), jobID, batch)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Volume-Shape", intsToHeader(vol.Shape))
	w.Header().Set("X-Dtype", "float32")
	w.Header().Set("X-Order", "C")
	w.Header().Set("X-Batch-Index", intsToHeader(vol.Batch))
	w.Write(vol.Data)
}

// Slice handles GET /api/jobs/{id}/slice
func (h *ResultHandler) Slice(w http.ResponseWriter, r *http.Request, jobID string) {
	orientation := r.URL.Query().Get("orientation")
	batch := r.URL.Query().Get("batch")
	index, err := parseSliceIndex(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	slice, err := h.service.Slice(r.Context(), jobID, orientation, index, batch)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Slice-Shape", intsToHeader(slice.Shape))
	w.Header().Set("X-Dtype", "float32")
	w.Header().Set("X-Order", "C")
	w.Header().Set("X-Batch-Index", intsToHeader(slice.Batch))
	w.Header().Set("X-Orientation", string(slice.Orientation))
	w.Header().Set("X-Slice-Index", strconv.Itoa(slice.Index))
	w.Write(slice.Data)
}

// parseSliceIndex parses the mandatory index query parameter
func parseSliceIndex(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("index")
	if raw == "" {
		return 0, model.Validationf("index is required")
	}
	index, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.Validationf("invalid slice index %q", raw)
	}
	return index, nil
}

// WindowStats handles GET /api/jobs/{id}/window-stats
func (h *ResultHandler) WindowStats(w http.ResponseWriter, r *http.Request, jobID string) {
	batch := r.URL.Query().Get("batch")

	limits, err := h.service.WindowStats(r.Context(), jobID, batch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

// Download handles GET /api/jobs/{id}/download
func (h *ResultHandler) Download(w http.ResponseWriter, r *http.Request, jobID string) {
	format := recon.DownloadFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = recon.FormatMRV
	}

	reader, record, err := h.service.Result(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer reader.Close()

	switch format {
	case recon.FormatMRV:
		reader.Close()
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", record.ID+".mrv"))
		http.ServeFile(w, r, h.service.ResultPath(record.ID))
	case recon.FormatNPY:
		data, _ := reader.DataReader()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", record.ID+".npy"))
		if err := volume.WriteNPY(w, reader.Meta().Shape, data); err != nil {
			writeServiceError(w, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported download format %q", format))
	}
}
