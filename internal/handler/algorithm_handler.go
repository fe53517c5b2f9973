package handler

import (
	"net/http"

	"github.com/reconlab/mriserve/internal/recon"
)

// AlgorithmHandler exposes the reconstruction algorithm registry
type AlgorithmHandler struct{}

// NewAlgorithmHandler creates a new algorithm handler
func NewAlgorithmHandler() *AlgorithmHandler {
	return &AlgorithmHandler{}
}

// AlgorithmResponse represents one registered algorithm
type AlgorithmResponse struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	DefaultParams recon.Params `json:"default_params"`
}

// List handles GET /api/algorithms
func (h *AlgorithmHandler) List(w http.ResponseWriter, r *http.Request) {
	algorithms := recon.List()
	response := make([]AlgorithmResponse, 0, len(algorithms))
	for _, alg := range algorithms {
		defaults, err := recon.DefaultParams(alg.ID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response = append(response, AlgorithmResponse{
			ID:            string(alg.ID),
			Name:          alg.Name,
			Description:   alg.Description,
			DefaultParams: defaults,
		})
	}
	writeJSON(w, http.StatusOK, response)
}
