package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"reportd/internal/app"
	"reportd/internal/domain"
)

type Handler struct {
	jobs      *app.JobService
	schedules *app.ScheduleService
}

func NewHandler(jobs *app.JobService, schedules *app.ScheduleService) *Handler {
	return &Handler{jobs: jobs, schedules: schedules}
}

// NewRouter wires the API surface onto a fresh gin engine.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/exports", h.CreateExport)
		v1.GET("/jobs", h.ListJobs)
		v1.GET("/jobs/:id", h.GetJob)
		v1.POST("/jobs/:id/cancel", h.CancelJob)
		v1.GET("/stats", h.Stats)

		v1.POST("/schedules", h.CreateSchedule)
		v1.GET("/schedules", h.ListSchedules)
		v1.GET("/schedules/:id", h.GetSchedule)
		v1.PUT("/schedules/:id", h.UpdateSchedule)
		v1.DELETE("/schedules/:id", h.DeleteSchedule)
		v1.POST("/schedules/:id/pause", h.PauseSchedule)
		v1.POST("/schedules/:id/resume", h.ResumeSchedule)
	}
	return router
}

type CreateExportRequest struct {
	ReportID     string `json:"report_id" binding:"required"`
	Format       string `json:"format"`
	Priority     int    `json:"priority"`
	DelaySeconds int    `json:"delay_seconds"`
}

func (h *Handler) CreateExport(c *gin.Context) {
	var req CreateExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := h.jobs.EnqueueExport(c, req.ReportID, req.Format, domain.EnqueueOptions{
		Priority: req.Priority,
		Delay:    time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.jobs.GetJob(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobResponse(job))
}

func (h *Handler) ListJobs(c *gin.Context) {
	var query struct {
		Queue  string `form:"queue"`
		Status string `form:"status"`
		Limit  int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobs, err := h.jobs.ListJobs(c, query.Queue, domain.JobStatus(query.Status), query.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobResponse(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (h *Handler) CancelJob(c *gin.Context) {
	cancelled, err := h.jobs.CancelJob(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "job already finished"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (h *Handler) Stats(c *gin.Context) {
	counts, err := h.jobs.Stats(c, c.Query("queue"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

type ScheduleRequest struct {
	ReportID   string   `json:"report_id" binding:"required"`
	Frequency  string   `json:"frequency" binding:"required"`
	Hour       int      `json:"hour"`
	Minute     int      `json:"minute"`
	DayOfWeek  *int     `json:"day_of_week"`
	DayOfMonth *int     `json:"day_of_month"`
	Timezone   string   `json:"timezone"`
	Format     string   `json:"format"`
	Recipients []string `json:"recipients"`
}

func (r ScheduleRequest) spec() domain.ScheduleSpec {
	return domain.ScheduleSpec{
		Frequency:  domain.Frequency(r.Frequency),
		Hour:       r.Hour,
		Minute:     r.Minute,
		DayOfWeek:  r.DayOfWeek,
		DayOfMonth: r.DayOfMonth,
		Timezone:   r.Timezone,
	}
}

func (h *Handler) CreateSchedule(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	schedule, err := h.schedules.Create(c, req.ReportID, req.spec(), req.Format, req.Recipients)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, scheduleResponse(schedule))
}

func (h *Handler) GetSchedule(c *gin.Context) {
	schedule, err := h.schedules.Get(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, scheduleResponse(schedule))
}

func (h *Handler) ListSchedules(c *gin.Context) {
	schedules, err := h.schedules.List(c, 100)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(schedules))
	for _, schedule := range schedules {
		out = append(out, scheduleResponse(schedule))
	}
	c.JSON(http.StatusOK, gin.H{"schedules": out})
}

func (h *Handler) UpdateSchedule(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	schedule, err := h.schedules.Update(c, c.Param("id"), req.spec(), req.Format, req.Recipients)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, scheduleResponse(schedule))
}

func (h *Handler) DeleteSchedule(c *gin.Context) {
	if err := h.schedules.Delete(c, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) PauseSchedule(c *gin.Context) {
	if err := h.schedules.Pause(c, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": false})
}

func (h *Handler) ResumeSchedule(c *gin.Context) {
	if err := h.schedules.Resume(c, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrScheduleNotFound),
		errors.Is(err, domain.ErrReportNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidSchedule):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func jobResponse(job *domain.Job) gin.H {
	out := gin.H{
		"id":           job.ID,
		"type":         job.Type,
		"queue":        job.Queue,
		"status":       job.Status,
		"priority":     job.Priority,
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
		"progress":     job.Progress,
		"run_at":       job.RunAt,
		"created_at":   job.CreatedAt,
		"updated_at":   job.UpdatedAt,
	}
	if job.LastError != nil {
		out["last_error"] = *job.LastError
	}
	if job.StartedAt != nil {
		out["started_at"] = *job.StartedAt
	}
	if job.FinishedAt != nil {
		out["finished_at"] = *job.FinishedAt
	}
	return out
}

func scheduleResponse(schedule *domain.ReportSchedule) gin.H {
	out := gin.H{
		"id":          schedule.ID,
		"report_id":   schedule.ReportID,
		"frequency":   schedule.Spec.Frequency,
		"hour":        schedule.Spec.Hour,
		"minute":      schedule.Spec.Minute,
		"timezone":    schedule.Spec.Timezone,
		"format":      schedule.Format,
		"recipients":  schedule.Recipients,
		"active":      schedule.Active,
		"next_run_at": schedule.NextRunAt,
		"created_at":  schedule.CreatedAt,
	}
	if schedule.Spec.DayOfWeek != nil {
		out["day_of_week"] = *schedule.Spec.DayOfWeek
	}
	if schedule.Spec.DayOfMonth != nil {
		out["day_of_month"] = *schedule.Spec.DayOfMonth
	}
	return out
}
