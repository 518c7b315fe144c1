package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/slidequeue/scheduler/pkg/common/logging"
	"github.com/slidequeue/scheduler/pkg/model"
	"github.com/slidequeue/scheduler/pkg/progressbus"
	"github.com/slidequeue/scheduler/pkg/scheduler"
	"github.com/slidequeue/scheduler/pkg/workflow"
)

// tenantHeader is the header carrying the caller's tenant identity.
// Its absence maps to an UNAUTHENTICATED error.
const tenantHeader = "X-User-ID"

// server holds the collaborators the HTTP layer needs. It never owns
// scheduling state itself; every handler is a thin translation from an
// HTTP request to a core operation and back.
type server struct {
	engine *workflow.Engine
	sched  *scheduler.Scheduler
	bus    *progressbus.Bus
	logger *logging.Logger

	wsUpgrader websocket.Upgrader
}

func newServer(engine *workflow.Engine, sched *scheduler.Scheduler, bus *progressbus.Bus, logger *logging.Logger) *server {
	return &server{
		engine: engine,
		sched:  sched,
		bus:    bus,
		logger: logger.WithComponent("http"),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// apiResponse is the standard {success, data, error} response envelope.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func tenantFromRequest(r *http.Request) (string, error) {
	tenant := r.Header.Get(tenantHeader)
	if tenant == "" {
		return "", model.Unauthenticated("missing " + tenantHeader + " header")
	}
	return tenant, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps a core *model.Error's Kind to an HTTP status code;
// any other error is treated as INTERNAL.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch model.KindOf(err) {
	case model.ErrUnauthenticated:
		status = http.StatusUnauthorized
	case model.ErrForbidden:
		status = http.StatusForbidden
	case model.ErrNotFound:
		status = http.StatusNotFound
	case model.ErrInvalidArgument:
		status = http.StatusBadRequest
	case model.ErrNotCancellable:
		status = http.StatusConflict
	case model.ErrExecutionFailed:
		status = http.StatusUnprocessableEntity
	case model.ErrInternal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, apiResponse{Success: false, Error: err.Error()})
}

// workflowView and jobView are the JSON shapes returned to clients, kept
// distinct from model.Workflow/model.Job (which carry no JSON tags) so
// the wire format has its own snake_case field names, omits internal
// fields such as timestamps other than created_at, and carries the
// derived elapsed/ETA values.
type workflowView struct {
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Tenant     string    `json:"tenant"`
	Status     string    `json:"status"`
	Progress   float64   `json:"progress"`
	Jobs       []jobView `json:"jobs"`
	CreatedAt  time.Time `json:"created_at"`
}

type jobView struct {
	JobID                      string   `json:"job_id"`
	WorkflowID                 string   `json:"workflow_id"`
	JobType                    string   `json:"job_type"`
	Branch                     string   `json:"branch"`
	Status                     string   `json:"status"`
	Progress                   float64  `json:"progress"`
	TilesProcessed             int64    `json:"tiles_processed"`
	TilesTotal                 int64    `json:"tiles_total"`
	ResultPath                 string   `json:"result_path,omitempty"`
	ErrorMessage               string   `json:"error_message,omitempty"`
	DependsOn                  []string `json:"depends_on,omitempty"`
	ElapsedSeconds             float64  `json:"elapsed_time_seconds"`
	EstimatedRemainingSeconds  float64  `json:"estimated_remaining_seconds"`
}

func toJobView(j *model.Job) jobView {
	now := time.Now()
	return jobView{
		JobID:                     j.JobID,
		WorkflowID:                j.WorkflowID,
		JobType:                   string(j.JobType),
		Branch:                    j.Branch,
		Status:                    string(j.Status),
		Progress:                  j.Progress,
		TilesProcessed:            j.TilesProcessed,
		TilesTotal:                j.TilesTotal,
		ResultPath:                j.ResultPath,
		ErrorMessage:              j.ErrorMessage,
		DependsOn:                 j.DependsOn,
		ElapsedSeconds:            j.ElapsedSeconds(now),
		EstimatedRemainingSeconds: j.EstimatedRemainingSeconds(now),
	}
}

func toWorkflowView(wf *model.Workflow) workflowView {
	jobs := make([]jobView, 0, len(wf.Jobs))
	for _, j := range wf.Jobs {
		jobs = append(jobs, toJobView(j))
	}
	return workflowView{
		WorkflowID: wf.WorkflowID,
		Name:       wf.Name,
		Tenant:     wf.Tenant,
		Status:     string(wf.Status),
		Progress:   wf.Progress,
		Jobs:       jobs,
		CreatedAt:  wf.CreatedAt,
	}
}

// createWorkflowRequest is the wire shape of a workflow submission.
// Job IDs and dependency references are client-scoped to this request;
// the engine rewrites them to globally-unique form.
type createWorkflowRequest struct {
	Name     string             `json:"name"`
	Metadata map[string]any     `json:"metadata"`
	Jobs     []createJobRequest `json:"jobs"`
}

type createJobRequest struct {
	JobID     string         `json:"job_id"`
	JobType   model.JobType  `json:"job_type"`
	ImagePath string         `json:"image_path"`
	Branch    string         `json:"branch"`
	DependsOn []string       `json:"depends_on"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.InvalidArgument("malformed request body: "+err.Error()))
		return
	}

	sub := model.WorkflowSubmission{
		Name:     req.Name,
		Tenant:   tenant,
		Metadata: req.Metadata,
		Jobs:     make([]model.JobSubmission, 0, len(req.Jobs)),
	}
	for _, j := range req.Jobs {
		sub.Jobs = append(sub.Jobs, model.JobSubmission{
			ClientJobID: j.JobID,
			JobType:     j.JobType,
			ImagePath:   j.ImagePath,
			Branch:      j.Branch,
			DependsOn:   j.DependsOn,
			Metadata:    j.Metadata,
		})
	}

	wf, err := s.engine.CreateWorkflow(sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, apiResponse{Success: true, Data: toWorkflowView(wf)})
}

func (s *server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	workflowID := mux.Vars(r)["workflow_id"]

	wf, ok := s.engine.Get(workflowID)
	if !ok {
		writeError(w, model.NotFound("unknown workflow"))
		return
	}
	if wf.Tenant != tenant {
		writeError(w, model.Forbidden("workflow does not belong to tenant"))
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: toWorkflowView(wf)})
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID := mux.Vars(r)["job_id"]

	job, ok := s.engine.GetJob(jobID)
	if !ok {
		writeError(w, model.NotFound("unknown job"))
		return
	}
	if job.Tenant != tenant {
		writeError(w, model.Forbidden("job does not belong to tenant"))
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: toJobView(job)})
}

func (s *server) handleGetJobResults(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID := mux.Vars(r)["job_id"]

	job, ok := s.engine.GetJob(jobID)
	if !ok {
		writeError(w, model.NotFound("unknown job"))
		return
	}
	if job.Tenant != tenant {
		writeError(w, model.Forbidden("job does not belong to tenant"))
		return
	}
	if job.ResultPath == "" {
		writeError(w, model.NotFound("job has no result yet"))
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: map[string]string{
		"job_id":      job.JobID,
		"result_path": job.ResultPath,
	}})
}

func (s *server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID := mux.Vars(r)["job_id"]

	if err := s.engine.CancelJob(tenant, jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true})
}
