package handler

import (
	"net/http"
	"strings"

	"github.com/reconlab/mriserve/pkg/middleware"
)

// Router handles HTTP routing
type Router struct {
	healthHandler    *HealthHandler
	algorithmHandler *AlgorithmHandler
	jobHandler       *JobHandler
	resultHandler    *ResultHandler
	corsConfig       middleware.CORSConfig
}

// NewRouter creates a new router
func NewRouter(
	healthHandler *HealthHandler,
	algorithmHandler *AlgorithmHandler,
	jobHandler *JobHandler,
	resultHandler *ResultHandler,
	corsConfig middleware.CORSConfig,
) *Router {
	return &Router{
		healthHandler:    healthHandler,
		algorithmHandler: algorithmHandler,
		jobHandler:       jobHandler,
		resultHandler:    resultHandler,
		corsConfig:       corsConfig,
	}
}

// Handler returns the configured HTTP handler with middleware
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", rt.handleHealth)
	mux.HandleFunc("/api/algorithms", rt.handleAlgorithms)
	mux.HandleFunc("/api/jobs", rt.handleJobs)
	mux.HandleFunc("/api/jobs/", rt.handleJobsWithID)

	// CORS first to handle preflight requests
	handler := middleware.CORS(rt.corsConfig)(mux)
	handler = middleware.Recovery(handler)
	handler = middleware.Logging(handler)
	handler = middleware.CorrelationID(handler)

	return handler
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rt.healthHandler.Health(w, r)
}

func (rt *Router) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rt.algorithmHandler.List(w, r)
}

// handleJobs routes the job collection endpoints
func (rt *Router) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rt.jobHandler.List(w, r)
	case http.MethodPost:
		rt.jobHandler.Create(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleJobsWithID routes individual job endpoints and their sub-resources
func (rt *Router) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	jobID, sub, _ := strings.Cut(path, "/")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			rt.jobHandler.Get(w, r, jobID)
		case http.MethodDelete:
			rt.jobHandler.Delete(w, r, jobID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	case "abort":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rt.jobHandler.Abort(w, r, jobID)
	case "volume":
		rt.requireGet(w, r, jobID, rt.resultHandler.Volume)
	case "slice":
		rt.requireGet(w, r, jobID, rt.resultHandler.Slice)
	case "window-stats":
		rt.requireGet(w, r, jobID, rt.resultHandler.WindowStats)
	case "download":
		rt.requireGet(w, r, jobID, rt.resultHandler.Download)
	case "input":
		rt.requireGet(w, r, jobID, rt.jobHandler.Input)
	default:
		writeError(w, http.StatusNotFound, "Endpoint not found")
	}
}

func (rt *Router) requireGet(w http.ResponseWriter, r *http.Request, jobID string, h func(http.ResponseWriter, *http.Request, string)) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	h(w, r, jobID)
}
