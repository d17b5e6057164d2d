package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/forge"
	"github.com/patchsmith/patchsmith/internal/queue"
	"github.com/patchsmith/patchsmith/pkg/version"
)

// indexRequest triggers a full index of a repository. Manual triggers
// carry no commit range, so they always rebuild from scratch.
type indexRequest struct {
	RepoURL string `json:"repoUrl"`
	RepoID  string `json:"repoId"`
	Branch  string `json:"branch"`
	UserID  string `json:"userId"`
}

// generationRequest submits a code-modification task.
type generationRequest struct {
	RepoURL       string `json:"repoUrl"`
	Task          string `json:"task"`
	RepoID        string `json:"repoId"`
	IndexingJobID string `json:"indexingJobId"`
	UserID        string `json:"userId"`
	Username      string `json:"username"`
}

// acceptedResponse is the 202 body for both trigger endpoints.
type acceptedResponse struct {
	JobID     string `json:"jobId"`
	StatusURL string `json:"statusUrl"`
}

// jobStatus is the compact polling view of a job.
type jobStatus struct {
	JobID        string     `json:"jobId"`
	Name         string     `json:"name"`
	State        string     `json:"state"`
	Progress     int        `json:"progress"`
	Attempts     int        `json:"attempts"`
	FailedReason string     `json:"failedReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// jobDetails extends the compact view with the handler result.
type jobDetails struct {
	jobStatus
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func statusView(job *queue.Job) jobStatus {
	v := jobStatus{
		JobID:        job.ID,
		Name:         job.Name,
		State:        string(job.State),
		Progress:     job.Progress,
		Attempts:     job.Attempts,
		FailedReason: job.FailedReason,
		CreatedAt:    job.CreatedAt,
	}
	if !job.FinishedAt.IsZero() {
		t := job.FinishedAt
		v.FinishedAt = &t
	}
	return v
}

func detailsView(job *queue.Job) jobDetails {
	v := jobDetails{jobStatus: statusView(job), Result: job.Result}
	if !job.ProcessedAt.IsZero() {
		t := job.ProcessedAt
		v.ProcessedAt = &t
	}
	return v
}

// requestUserID resolves the caller identity used for job-ownership
// checks. The query parameter wins over the header so curl-style
// polling stays easy.
func requestUserID(c *gin.Context) string {
	if id := c.Query("userId"); id != "" {
		return id
	}
	return c.GetHeader("X-User-ID")
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		renderError(c, serviceerrors.InvalidInput("failed to read webhook body", err))
		return
	}
	if err := s.dispatcher.Verify(c.GetHeader("X-Hub-Signature-256"), body); err != nil {
		renderError(c, err)
		return
	}

	deliveryID := c.GetHeader("X-GitHub-Delivery")
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	outcome, err := s.dispatcher.Dispatch(c.Request.Context(), c.GetHeader("X-GitHub-Event"), deliveryID, body)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleEnqueueIndex(c *gin.Context) {
	var req indexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, serviceerrors.InvalidInput("invalid index request body", err))
		return
	}
	repoID, err := resolveRepoID(req.RepoID, req.RepoURL)
	if err != nil {
		renderError(c, err)
		return
	}

	payload := queue.IndexRepoPayload{
		ProjectID: repoID,
		RepoURL:   req.RepoURL,
		RepoID:    repoID,
		Branch:    req.Branch,
		UserID:    req.UserID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Trigger:   "api",
	}
	job, err := s.indexing.Enqueue(c.Request.Context(), queue.JobIndexRepo, payload,
		&queue.EnqueueOptions{OwnerUserID: req.UserID})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, acceptedResponse{
		JobID:     job.ID,
		StatusURL: s.statusURL("index", job.ID),
	})
}

func (s *Server) handleIndexStatus(c *gin.Context) {
	job, err := s.indexing.JobForUser(c.Request.Context(), c.Param("jobId"), requestUserID(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, detailsView(job))
}

func (s *Server) handleEnqueueGeneration(c *gin.Context) {
	var req generationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, serviceerrors.InvalidInput("invalid generation request body", err))
		return
	}
	if req.Task == "" {
		renderError(c, serviceerrors.InvalidInput("generation request has no task", nil))
		return
	}
	repoID, err := resolveRepoID(req.RepoID, req.RepoURL)
	if err != nil {
		renderError(c, err)
		return
	}

	payload := queue.ProcessPayload{
		RepoURL:       req.RepoURL,
		Task:          req.Task,
		RepoID:        repoID,
		IndexingJobID: req.IndexingJobID,
		UserID:        req.UserID,
		Username:      req.Username,
	}
	job, err := s.generation.Enqueue(c.Request.Context(), queue.JobProcess, payload,
		&queue.EnqueueOptions{OwnerUserID: req.UserID})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, acceptedResponse{
		JobID:     job.ID,
		StatusURL: s.statusURL("generation", job.ID),
	})
}

func (s *Server) handleGenerationStatus(c *gin.Context) {
	job, err := s.generation.JobForUser(c.Request.Context(), c.Param("jobId"), requestUserID(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusView(job))
}

func (s *Server) handleGenerationDetails(c *gin.Context) {
	job, err := s.generation.JobForUser(c.Request.Context(), c.Param("jobId"), requestUserID(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, detailsView(job))
}

// queueCounts mirrors queue.Counts with wire-friendly field names.
type queueCounts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type healthResponse struct {
	Status     string       `json:"status"`
	Version    string       `json:"version"`
	Indexing   *queueCounts `json:"indexing,omitempty"`
	Generation *queueCounts `json:"generation,omitempty"`
}

// handleHealth reports liveness plus queue depths. A queue that cannot
// be counted usually means Redis is down, which degrades the status.
func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{Status: "ok", Version: version.Version}
	code := http.StatusOK

	if counts, err := s.indexing.Counts(c.Request.Context()); err == nil {
		resp.Indexing = countsView(counts)
	} else {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if counts, err := s.generation.Counts(c.Request.Context()); err == nil {
		resp.Generation = countsView(counts)
	} else {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func countsView(c queue.Counts) *queueCounts {
	return &queueCounts{
		Waiting:   c.Waiting,
		Delayed:   c.Delayed,
		Active:    c.Active,
		Completed: c.Completed,
		Failed:    c.Failed,
	}
}

// resolveRepoID validates the clone URL and falls back to deriving
// owner/name from it when the caller sent no explicit id.
func resolveRepoID(repoID, repoURL string) (string, error) {
	if err := serviceerrors.ValidateCloneURL(repoURL); err != nil {
		return "", err
	}
	if repoID != "" {
		return repoID, nil
	}
	owner, name, err := forge.SplitRepoURL(repoURL)
	if err != nil {
		return "", err
	}
	return owner + "/" + name, nil
}
