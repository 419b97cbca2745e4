package handler

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/logger"
	"github.com/timmy/sqpsync/internal/repository"
	"github.com/timmy/sqpsync/internal/service"
)

// RunRequest is the body of POST /api/v1/tenants/:tenant/runs. Every field is optional;
// the default is an import run over all processable documents.
type RunRequest struct {
	Mode       string        `json:"mode" binding:"omitempty,oneof=import download request sync"`
	CronJobID  uint          `json:"cron_job_id"`
	ReportType domain.Period `json:"report_type" binding:"omitempty,oneof=WEEKLY MONTHLY QUARTERLY"`
	ReportID   string        `json:"report_id"`
	Limit      int           `json:"limit" binding:"omitempty,min=1,max=10000"`
	SellerIDs  []uint        `json:"seller_ids"`
}

// RunStatus is the last known run state of one tenant.
type RunStatus struct {
	Running     bool                `json:"running"`
	LastRunTime string              `json:"last_run_time,omitempty"`
	LastStatus  string              `json:"last_status,omitempty"`
	LastSummary *service.RunSummary `json:"last_summary,omitempty"`
}

type runState struct {
	running bool
	last    time.Time
	status  string
	summary *service.RunSummary
}

// RunHandler triggers pipeline runs. One run per tenant executes at a time.
type RunHandler struct {
	runner *service.Runner

	mu    sync.Mutex
	state map[uint]*runState
}

// NewRunHandler creates a new run handler.
func NewRunHandler(runner *service.Runner) *RunHandler {
	return &RunHandler{runner: runner, state: make(map[uint]*runState)}
}

func (h *RunHandler) begin(tenantKey uint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.state[tenantKey]
	if !ok {
		st = &runState{}
		h.state[tenantKey] = st
	}
	if st.running {
		return false
	}
	st.running = true
	return true
}

func (h *RunHandler) end(tenantKey uint, summary *service.RunSummary, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state[tenantKey]
	st.running = false
	st.last = time.Now()
	st.summary = summary
	st.status = "success"
	if err != nil {
		st.status = "failed: " + err.Error()
	}
}

// TriggerRun handles POST /api/v1/tenants/:tenant/runs. The run uses a context detached
// from the request so a client timeout does not abort the batch midway.
func (h *RunHandler) TriggerRun(c *gin.Context) {
	ctx := c.Request.Context()
	tenantKey, ok := uintParam(c, "tenant")
	if !ok {
		return
	}
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength != 0 {
		logger.CtxWarn(ctx, "Invalid run request: client_ip=%s, error=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Mode == "" {
		req.Mode = service.ModeImport
	}

	if !h.begin(tenantKey) {
		logger.CtxWarn(ctx, "Run rejected, tenant %d already running", tenantKey)
		c.JSON(http.StatusConflict, gin.H{"error": "a run is already in progress for this tenant"})
		return
	}

	runCtx := logger.WithFields(context.WithoutCancel(ctx), logger.Fields{logger.FieldTenantID: tenantKey})
	summary, err := h.run(runCtx, tenantKey, req)
	h.end(tenantKey, summary, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *RunHandler) run(ctx context.Context, tenantKey uint, req RunRequest) (*service.RunSummary, error) {
	switch req.Mode {
	case service.ModeImport:
		return h.runner.RunOnce(ctx, tenantKey, repository.ProcessableFilter{
			CronJobID:  req.CronJobID,
			ReportType: req.ReportType,
			ReportID:   req.ReportID,
			Limit:      req.Limit,
		})
	case service.ModeDownload:
		return h.runner.DownloadPending(ctx, tenantKey, req.CronJobID, req.Limit)
	case service.ModeRequest:
		return h.runner.RequestPending(ctx, tenantKey, req.SellerIDs)
	case service.ModeSync:
		return h.runner.Sync(ctx, tenantKey, req.SellerIDs)
	}
	return nil, fmt.Errorf("unknown run mode %q", req.Mode)
}

// GetRunStatus handles GET /api/v1/tenants/:tenant/runs/status.
func (h *RunHandler) GetRunStatus(c *gin.Context) {
	tenantKey, ok := uintParam(c, "tenant")
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	resp := RunStatus{}
	if st, ok := h.state[tenantKey]; ok {
		resp.Running = st.running
		resp.LastStatus = st.status
		resp.LastSummary = st.summary
		if !st.last.IsZero() {
			resp.LastRunTime = st.last.Format(time.RFC3339)
		}
	}
	c.JSON(http.StatusOK, resp)
}
