package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"tasksync/backend/internal/models"
	"tasksync/backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
)

type SharingHandler struct {
	shareService services.ShareService
	taskService  services.TaskService
	logger       *slog.Logger
}

func NewSharingHandler(shareService services.ShareService, taskService services.TaskService, logger *slog.Logger) *SharingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SharingHandler{shareService: shareService, taskService: taskService, logger: logger}
}

type sendRequestInput struct {
	TaskID    string   `json:"taskId" binding:"required"`
	Usernames []string `json:"usernames" binding:"required,min=1"`
}

func (h *SharingHandler) GetRequests(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	pending, err := h.shareService.ListPending(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, pending)
}

func (h *SharingHandler) SendRequest(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var input sendRequestInput
	if err := c.ShouldBindJSON(&input); err != nil {
		bindError(c, err)
		return
	}
	taskID, err := uuid.FromString(input.TaskID)
	if err != nil {
		badRequest(c, "Invalid task id")
		return
	}

	created, err := h.shareService.SendRequest(c.Request.Context(), userID, taskID, input.Usernames)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":  "Share requests sent",
		"requests": created,
	})
}

func (h *SharingHandler) AcceptRequest(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	requestID, ok := pathID(c, "id", "request id")
	if !ok {
		return
	}

	task, err := h.shareService.Accept(c.Request.Context(), requestID, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "Share request accepted",
		"sharedTask": task,
	})
}

func (h *SharingHandler) DeclineRequest(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	requestID, ok := pathID(c, "id", "request id")
	if !ok {
		return
	}

	if err := h.shareService.Decline(c.Request.Context(), requestID, userID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Share request declined"})
}

func (h *SharingHandler) GetSharedTasks(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	shared, err := h.shareService.ListShared(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, shared)
}

func (h *SharingHandler) UnlinkTask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	taskID, ok := pathID(c, "taskId", "task id")
	if !ok {
		return
	}

	if err := h.shareService.Unlink(c.Request.Context(), taskID, userID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SyncChanges overwrites the listed fields and pushes the result to every
// linked instance. A dueDate of null clears it; an absent field is untouched.
func (h *SharingHandler) SyncChanges(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	taskID, ok := pathID(c, "taskId", "task id")
	if !ok {
		return
	}

	var input struct {
		Changes *struct {
			Completed *bool            `json:"completed"`
			Subtasks  *models.Subtasks `json:"subtasks"`
			DueDate   json.RawMessage  `json:"dueDate"`
		} `json:"changes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		bindError(c, err)
		return
	}

	in := services.SyncChangesInput{Completed: input.Changes.Completed}
	if input.Changes.Subtasks != nil {
		in.Subtasks = *input.Changes.Subtasks
		in.SetSubtasks = true
	}
	if len(input.Changes.DueDate) > 0 {
		in.SetDueDate = true
		if string(input.Changes.DueDate) != "null" {
			if err := json.Unmarshal(input.Changes.DueDate, &in.DueDate); err != nil {
				badRequest(c, "dueDate must be a date string or null")
				return
			}
		}
	}

	res, err := h.taskService.SyncChanges(c.Request.Context(), taskID, userID, in)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondMutation(c, res)
}
