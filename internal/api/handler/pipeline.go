package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/repository"
	"github.com/timmy/sqpsync/internal/service"
	"github.com/timmy/sqpsync/internal/tenant"
)

// PipelineHandler exposes the tracked pipeline state of a tenant.
type PipelineHandler struct {
	router *tenant.Router
	runner *service.Runner
}

// NewPipelineHandler creates a new pipeline handler.
func NewPipelineHandler(router *tenant.Router, runner *service.Runner) *PipelineHandler {
	return &PipelineHandler{router: router, runner: runner}
}

func (h *PipelineHandler) withTenant(c *gin.Context, fn func(ctx context.Context, th *tenant.Handle) error) {
	tenantKey, ok := uintParam(c, "tenant")
	if !ok {
		return
	}
	if err := h.router.WithTenant(c.Request.Context(), tenantKey, fn); err != nil {
		writeError(c, err)
	}
}

// ListProcessable handles GET /api/v1/tenants/:tenant/downloads/processable.
func (h *PipelineHandler) ListProcessable(c *gin.Context) {
	var filter repository.ProcessableFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if filter.ReportType != "" && !filter.ReportType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report_type"})
		return
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	h.withTenant(c, func(ctx context.Context, th *tenant.Handle) error {
		recs, err := h.runner.Importer(th).Downloads().ListProcessable(ctx, filter)
		if err != nil {
			return err
		}
		c.JSON(http.StatusOK, gin.H{"count": len(recs), "downloads": recs})
		return nil
	})
}

// CronJobResponse is a cron job with its documents and audit trail.
type CronJobResponse struct {
	CronJob   *domain.CronJob          `json:"cron_job"`
	Downloads []domain.DownloadRecord  `json:"downloads"`
	Activity  []domain.CronActivityLog `json:"activity"`
}

// GetCronJob handles GET /api/v1/tenants/:tenant/cron-jobs/:id.
func (h *PipelineHandler) GetCronJob(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	h.withTenant(c, func(ctx context.Context, th *tenant.Handle) error {
		store := repository.NewStore(th.DB, repository.BatchSizes{})
		job, err := store.CronJobs.GetByID(ctx, id)
		if err != nil {
			return err
		}
		downloads, err := store.Downloads.ListByCronJob(ctx, id)
		if err != nil {
			return err
		}
		activity, err := store.Activity.ListByCronJob(ctx, id)
		if err != nil {
			return err
		}
		c.JSON(http.StatusOK, CronJobResponse{CronJob: job, Downloads: downloads, Activity: activity})
		return nil
	})
}

// CycleRequest is the body of POST /api/v1/tenants/:tenant/sellers/:seller/cycles.
type CycleRequest struct {
	ASINs []string `json:"asins" binding:"omitempty,dive,min=1,max=20"`
}

// CreateCycle handles POST /api/v1/tenants/:tenant/sellers/:seller/cycles. It returns the
// seller's open cycle, or a new one when the latest has settled.
func (h *PipelineHandler) CreateCycle(c *gin.Context) {
	sellerID, ok := uintParam(c, "seller")
	if !ok {
		return
	}
	var req CycleRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength != 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.withTenant(c, func(ctx context.Context, th *tenant.Handle) error {
		job, err := h.runner.Importer(th).Jobs().CreateOrAdvanceCycle(ctx, sellerID, req.ASINs, th.Location)
		if err != nil {
			return err
		}
		c.JSON(http.StatusOK, job)
		return nil
	})
}

// ListRollups handles GET /api/v1/tenants/:tenant/sellers/:seller/asins.
func (h *PipelineHandler) ListRollups(c *gin.Context) {
	sellerID, ok := uintParam(c, "seller")
	if !ok {
		return
	}
	h.withTenant(c, func(ctx context.Context, th *tenant.Handle) error {
		rows, err := repository.NewAsinRollupRepository(th.DB).ListBySeller(ctx, sellerID)
		if err != nil {
			return err
		}
		c.JSON(http.StatusOK, gin.H{"count": len(rows), "asins": rows})
		return nil
	})
}
