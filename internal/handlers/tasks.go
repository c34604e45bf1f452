package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"tasksync/backend/internal/services"

	"github.com/gin-gonic/gin"
)

type TaskHandler struct {
	taskService services.TaskService
	logger      *slog.Logger
}

func NewTaskHandler(taskService services.TaskService, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{taskService: taskService, logger: logger}
}

func (h *TaskHandler) GetTasks(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	tasks, err := h.taskService.ListTasks(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *TaskHandler) CreateTask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var input struct {
		Title   string `json:"title" binding:"required"`
		DueDate string `json:"dueDate"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		bindError(c, err)
		return
	}

	task, err := h.taskService.CreateTask(c.Request.Context(), userID, input.Title, input.DueDate)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *TaskHandler) GetTaskByID(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id", "task id")
	if !ok {
		return
	}

	task, err := h.taskService.GetTask(c.Request.Context(), id, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// UpdateTask sets the completion flag, cascading it to every subtask.
func (h *TaskHandler) UpdateTask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id", "task id")
	if !ok {
		return
	}

	var input struct {
		Completed *bool `json:"completed" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		bindError(c, err)
		return
	}

	res, err := h.taskService.SetCompletion(c.Request.Context(), id, userID, *input.Completed)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondMutation(c, res)
}

func (h *TaskHandler) DeleteTask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id", "task id")
	if !ok {
		return
	}

	if err := h.taskService.DeleteTask(c.Request.Context(), id, userID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TaskHandler) AddSubtask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id", "task id")
	if !ok {
		return
	}

	var input struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		bindError(c, err)
		return
	}

	res, err := h.taskService.AddSubtask(c.Request.Context(), id, userID, input.Title)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondMutation(c, res)
}

func (h *TaskHandler) ToggleSubtask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id", "task id")
	if !ok {
		return
	}
	index, ok := subtaskIndex(c)
	if !ok {
		return
	}

	var input struct {
		Completed *bool `json:"completed" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		bindError(c, err)
		return
	}

	res, err := h.taskService.ToggleSubtask(c.Request.Context(), id, userID, index, *input.Completed)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondMutation(c, res)
}

func (h *TaskHandler) RemoveSubtask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id", "task id")
	if !ok {
		return
	}
	index, ok := subtaskIndex(c)
	if !ok {
		return
	}

	res, err := h.taskService.RemoveSubtask(c.Request.Context(), id, userID, index)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondMutation(c, res)
}

// SetDueDate sets the due date; a null or empty dueDate clears it.
func (h *TaskHandler) SetDueDate(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id", "task id")
	if !ok {
		return
	}

	var input struct {
		DueDate *string `json:"dueDate"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		bindError(c, err)
		return
	}
	dueDate := ""
	if input.DueDate != nil {
		dueDate = *input.DueDate
	}

	res, err := h.taskService.SetDueDate(c.Request.Context(), id, userID, dueDate)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondMutation(c, res)
}

func subtaskIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, "Invalid subtask index")
		return 0, false
	}
	return index, true
}
