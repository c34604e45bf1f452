package handlers_test

import (
	"context"
	"net/http"
	"testing"

	"tasksync/backend/internal/handlers"
	"tasksync/backend/internal/middleware"
	"tasksync/backend/internal/models"
	"tasksync/backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
)

type MockShareService struct {
	err       error
	created   int
	lastTask  uuid.UUID
	lastNames []string
}

func (m *MockShareService) ListPending(ctx context.Context, receiver uuid.UUID) ([]services.PendingRequest, error) {
	return []services.PendingRequest{}, m.err
}

func (m *MockShareService) SendRequest(ctx context.Context, sender, taskID uuid.UUID, usernames []string) (int, error) {
	m.lastTask = taskID
	m.lastNames = usernames
	return m.created, m.err
}

func (m *MockShareService) Accept(ctx context.Context, requestID, receiver uuid.UUID) (*models.Task, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.Task{ID: uuid.Must(uuid.NewV4()), UserID: receiver, IsShared: true}, nil
}

func (m *MockShareService) Decline(ctx context.Context, requestID, receiver uuid.UUID) error {
	return m.err
}

func (m *MockShareService) ListShared(ctx context.Context, owner uuid.UUID) ([]services.SharedTask, error) {
	return []services.SharedTask{}, m.err
}

func (m *MockShareService) Unlink(ctx context.Context, taskID, owner uuid.UUID) error {
	return m.err
}

func setupSharingRouter() (*MockShareService, *MockTaskService, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	shareService := &MockShareService{}
	taskService := &MockTaskService{}
	handler := handlers.NewSharingHandler(shareService, taskService, quietLogger())

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, uuid.Must(uuid.NewV4()))
		c.Next()
	})
	router.GET("/sharing/requests", handler.GetRequests)
	router.POST("/sharing/send-request", handler.SendRequest)
	router.POST("/sharing/accept-request/:id", handler.AcceptRequest)
	router.POST("/sharing/decline-request/:id", handler.DeclineRequest)
	router.GET("/sharing/shared-tasks", handler.GetSharedTasks)
	router.DELETE("/sharing/unlink-task/:taskId", handler.UnlinkTask)
	router.POST("/sharing/sync-changes/:taskId", handler.SyncChanges)
	return shareService, taskService, router
}

func TestSendRequest(t *testing.T) {
	shareService, _, router := setupSharingRouter()
	shareService.created = 2
	taskID := uuid.Must(uuid.NewV4())

	w := doJSON(router, http.MethodPost, "/sharing/send-request", `{"taskId":"`+taskID.String()+`","usernames":["bob","carol"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	if shareService.lastTask != taskID {
		t.Errorf("Expected task %s, got %s", taskID, shareService.lastTask)
	}
	if len(shareService.lastNames) != 2 {
		t.Errorf("Expected 2 usernames, got %v", shareService.lastNames)
	}
}

func TestSendRequestValidation(t *testing.T) {
	_, _, router := setupSharingRouter()

	tests := []struct {
		body    string
		message string
	}{
		{`{"usernames":["bob"]}`, "taskId is required"},
		{`{"taskId":"` + uuid.Must(uuid.NewV4()).String() + `","usernames":[]}`, "usernames must not be empty"},
		{`{"taskId":"` + uuid.Must(uuid.NewV4()).String() + `","usernames":"bob"}`, "usernames must be a list"},
		{`{"taskId":"nope","usernames":["bob"]}`, ""},
	}
	for _, tt := range tests {
		w := doJSON(router, http.MethodPost, "/sharing/send-request", tt.body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Body %s: expected status %d, got %d", tt.body, http.StatusBadRequest, w.Code)
			continue
		}
		if tt.message == "" {
			continue
		}
		if got := decodeError(t, w)["message"]; got != tt.message {
			t.Errorf("Body %s: expected message %q, got %q", tt.body, tt.message, got)
		}
	}
}

func TestAcceptRequestNotFound(t *testing.T) {
	shareService, _, router := setupSharingRouter()
	shareService.err = &services.Error{Kind: services.ErrNotFound, Message: "Share request not found"}

	w := doJSON(router, http.MethodPost, "/sharing/accept-request/"+uuid.Must(uuid.NewV4()).String(), "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestUnlinkTask(t *testing.T) {
	_, _, router := setupSharingRouter()

	w := doJSON(router, http.MethodDelete, "/sharing/unlink-task/"+uuid.Must(uuid.NewV4()).String(), "")
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}
}

func TestSyncChangesParsesFields(t *testing.T) {
	_, taskService, router := setupSharingRouter()
	path := "/sharing/sync-changes/" + uuid.Must(uuid.NewV4()).String()

	w := doJSON(router, http.MethodPost, path, `{"changes":{"completed":true,"subtasks":[{"title":"a","completed":true}],"dueDate":null}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	in := taskService.lastSync
	if in.Completed == nil || !*in.Completed {
		t.Error("Expected completed=true")
	}
	if !in.SetSubtasks || len(in.Subtasks) != 1 || in.Subtasks[0].Title != "a" {
		t.Errorf("Unexpected subtasks: %+v", in.Subtasks)
	}
	if !in.SetDueDate || in.DueDate != "" {
		t.Errorf("Expected a due date clear, got set=%v value=%q", in.SetDueDate, in.DueDate)
	}

	w = doJSON(router, http.MethodPost, path, `{"changes":{"dueDate":"2024-02-02"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	in = taskService.lastSync
	if in.Completed != nil || in.SetSubtasks {
		t.Error("Absent fields must stay untouched")
	}
	if !in.SetDueDate || in.DueDate != "2024-02-02" {
		t.Errorf("Expected due date 2024-02-02, got %q", in.DueDate)
	}

	w = doJSON(router, http.MethodPost, path, `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for missing changes, got %d", http.StatusBadRequest, w.Code)
	}
	if got := decodeError(t, w)["message"]; got != "changes is required" {
		t.Errorf("Expected message %q, got %q", "changes is required", got)
	}

	w = doJSON(router, http.MethodPost, path, `{"changes":{"completed":"done"}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status %d for a non-boolean completed, got %d", http.StatusBadRequest, w.Code)
	}
	if got := decodeError(t, w)["message"]; got != "changes.completed must be a boolean" {
		t.Errorf("Expected message %q, got %q", "changes.completed must be a boolean", got)
	}
}
