package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"tasksync/backend/internal/middleware"
	"tasksync/backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
)

// SyncWarningHeader carries one entry per linked task a mutation did not reach.
const SyncWarningHeader = "X-Sync-Warning"

func respondError(c *gin.Context, logger *slog.Logger, err error) {
	var svcErr *services.Error
	if errors.As(err, &svcErr) {
		switch {
		case errors.Is(svcErr.Kind, services.ErrValidation):
			abortWith(c, http.StatusBadRequest, "bad_request", svcErr.Message)
			return
		case errors.Is(svcErr.Kind, services.ErrNotFound):
			abortWith(c, http.StatusNotFound, "not_found", svcErr.Message)
			return
		case errors.Is(svcErr.Kind, services.ErrUnauthorized):
			abortWith(c, http.StatusUnauthorized, "unauthorized", svcErr.Message)
			return
		case errors.Is(svcErr.Kind, services.ErrConflict):
			abortWith(c, http.StatusConflict, "conflict", svcErr.Message)
			return
		}
	}

	logger.Error("request failed",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"error", err,
	)
	abortWith(c, http.StatusInternalServerError, "internal_error", "Something went wrong")
}

func badRequest(c *gin.Context, message string) {
	abortWith(c, http.StatusBadRequest, "bad_request", message)
}

// Validation errors name fields by their json key.
func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	}
}

// bindError answers 400 with a message naming the field that failed to bind.
func bindError(c *gin.Context, err error) {
	badRequest(c, bindMessage(err))
}

func bindMessage(err error) string {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	var fieldErrs validator.ValidationErrors

	switch {
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return fmt.Sprintf("%s must be %s", typeErr.Field, jsonKind(typeErr.Type))
	case errors.As(err, &fieldErrs) && len(fieldErrs) > 0:
		fe := fieldErrs[0]
		switch fe.Tag() {
		case "required":
			return fe.Field() + " is required"
		case "min":
			if fe.Param() == "1" {
				return fe.Field() + " must not be empty"
			}
			return fmt.Sprintf("%s must have at least %s entries", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("%s failed the %s rule", fe.Field(), fe.Tag())
	case errors.As(err, &syntaxErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "Request body must be a JSON object"
	}
	return err.Error()
}

func jsonKind(t reflect.Type) string {
	if t == nil {
		return "a different type"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "a string"
	case reflect.Bool:
		return "a boolean"
	case reflect.Slice, reflect.Array:
		return "a list"
	case reflect.Map, reflect.Struct:
		return "an object"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "a number"
	}
	return "a " + t.String()
}

func abortWith(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": kind, "message": message})
}

// currentUserID returns the caller's id or answers 401.
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		abortWith(c, http.StatusUnauthorized, "unauthorized", "User not authenticated")
		return uuid.Nil, false
	}
	return id, true
}

// pathID parses the named path parameter as a uuid or answers 400.
func pathID(c *gin.Context, param, what string) (uuid.UUID, bool) {
	id, err := uuid.FromString(c.Param(param))
	if err != nil {
		badRequest(c, "Invalid "+what)
		return uuid.Nil, false
	}
	return id, true
}

// respondMutation writes the updated task and a warning header per target the
// change did not reach.
func respondMutation(c *gin.Context, res *services.MutationResult) {
	for _, w := range res.Warnings() {
		c.Writer.Header().Add(SyncWarningHeader, w)
	}
	c.JSON(http.StatusOK, res.Task)
}
