package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/events/bus"
	"github.com/conveyorhq/conveyor/internal/queue"
	v1 "github.com/conveyorhq/conveyor/pkg/api/v1"
)

const (
	defaultTaskLimit = 100
	defaultRunLimit  = 50
	maxListLimit     = 1000
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthResponse{
		Status:  "ok",
		Running: s.engine.Status().Running,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.GetStats(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to read queue stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue stats"})
		return
	}
	c.JSON(http.StatusOK, statsToResponse(s.engine.Status(), stats))
}

func (s *Server) handleListTasks(c *gin.Context) {
	limit := parseLimit(c, defaultTaskLimit)
	tasks, err := s.store.GetActiveTasks(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list tasks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	dtos := tasksToDTO(tasks)
	c.JSON(http.StatusOK, v1.ListTasksResponse{Tasks: dtos, Total: len(dtos)})
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	repoPath := req.RepoPath
	if repoPath == "" {
		repoPath = s.cfg.Pipeline.PrimaryRepo
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.mode.DefaultMaxAttempts
	}

	task := &queue.Task{
		Title:       req.Title,
		Description: req.Description,
		RepoPath:    repoPath,
		Status:      s.mode.InitialStatus,
		MaxAttempts: maxAttempts,
		CreatedBy:   "web",
		NotifyChat:  req.NotifyChat,
	}
	if err := s.store.CreateTask(c.Request.Context(), task); err != nil {
		s.logger.Error("failed to create task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}
	s.logger.Info("task created via web",
		zap.Int64("task_id", task.ID),
		zap.String("title", task.Title))

	s.publishTaskCreated(c, task)
	s.engine.Kick(c.Request.Context())

	c.JSON(http.StatusCreated, taskToDTO(task))
}

func (s *Server) handleDeadLetterTasks(c *gin.Context) {
	limit := parseLimit(c, defaultTaskLimit)
	tasks, err := s.store.GetDeadLetterTasks(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list dead-letter tasks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dead-letter tasks"})
		return
	}
	dtos := tasksToDTO(tasks)
	c.JSON(http.StatusOK, v1.ListTasksResponse{Tasks: dtos, Total: len(dtos)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("failed to get task", zap.Int64("task_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get task"})
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, taskToDTO(task))
}

func (s *Server) handleRequeueTask(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		s.logger.Error("failed to get task", zap.Int64("task_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get task"})
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if task.Status != queue.StatusDeadLetter {
		c.JSON(http.StatusConflict, gin.H{"error": "task is not in dead_letter"})
		return
	}

	if err := s.store.RequeueDeadLetter(ctx, id); err != nil {
		s.logger.Error("failed to requeue task", zap.Int64("task_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to requeue task"})
		return
	}
	s.logger.Info("dead-letter task requeued", zap.Int64("task_id", id))
	s.engine.Kick(ctx)

	requeued, err := s.store.GetTask(ctx, id)
	if err != nil || requeued == nil {
		s.logger.Error("failed to reload requeued task", zap.Int64("task_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reload requeued task"})
		return
	}
	c.JSON(http.StatusOK, taskToDTO(requeued))
}

func (s *Server) handleListRuns(c *gin.Context) {
	limit := parseLimit(c, defaultRunLimit)
	status := c.Query("status")
	runs, err := s.store.GetRecentRuns(c.Request.Context(), limit, status)
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	dtos := runsToDTO(runs)
	c.JSON(http.StatusOK, v1.ListRunsResponse{Runs: dtos, Total: len(dtos)})
}

func (s *Server) handleRunStats(c *gin.Context) {
	stats, err := s.store.GetRunStats(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to read run stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read run stats"})
		return
	}
	c.JSON(http.StatusOK, runStatsToDTO(stats))
}

func (s *Server) handleLogs(c *gin.Context) {
	entries := logsToDTO(s.logring.Snapshot())
	c.JSON(http.StatusOK, v1.LogsResponse{Logs: entries, Count: len(entries)})
}

func (s *Server) handleListGroups(c *gin.Context) {
	groups, err := s.store.ListRegisteredGroups(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list groups", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list groups"})
		return
	}
	dtos := groupsToDTO(groups)
	c.JSON(http.StatusOK, v1.ListGroupsResponse{Groups: dtos, Total: len(dtos)})
}

func (s *Server) handleRegisterGroup(c *gin.Context) {
	var req v1.RegisterGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	group := &queue.RegisteredGroup{
		JID:             req.JID,
		Name:            req.Name,
		Folder:          req.Folder,
		Trigger:         req.Trigger,
		RequiresTrigger: req.RequiresTrigger,
	}
	if err := s.store.RegisterGroup(c.Request.Context(), group); err != nil {
		s.logger.Error("failed to register group", zap.String("jid", req.JID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register group"})
		return
	}
	s.logger.Info("chat group registered", zap.String("jid", group.JID), zap.String("name", group.Name))
	c.JSON(http.StatusCreated, groupToDTO(group))
}

func (s *Server) publishTaskCreated(c *gin.Context, task *queue.Task) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.TaskCreated, "web", map[string]interface{}{
		"task_id":    task.ID,
		"title":      task.Title,
		"created_by": task.CreatedBy,
		"repo_path":  task.RepoPath,
	})
	if err := s.bus.Publish(c.Request.Context(), events.TaskCreated, event); err != nil {
		s.logger.Warn("failed to publish task created event", zap.Error(err))
	}
}

func parseTaskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return id, true
}

func parseLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
