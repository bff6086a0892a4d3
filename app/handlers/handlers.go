// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

// baseHandler carries the response helpers shared by every handler
type baseHandler struct {
	validator *validator.Validate
	logger    *zap.Logger
	timeout   time.Duration
}

func newBaseHandler(logger *zap.Logger, timeout time.Duration) baseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return baseHandler{
		validator: validator.New(),
		logger:    logger,
		timeout:   timeout,
	}
}

func (h *baseHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *baseHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// validate runs struct validation and writes a 400 response when it fails
func (h *baseHandler) validate(c fiber.Ctx, req any) (bool, error) {
	if err := h.validator.Struct(req); err != nil {
		var validationErrors []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				validationErrors = append(validationErrors, getValidationErrorMessage(fe))
			}
		}
		return false, h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
	}
	return true, nil
}

// businessError writes the response for an error returned by a business flow
func (h *baseHandler) businessError(c fiber.Ctx, err error, fallbackMessage, fallbackCode string) error {
	status := watchLinkErrorStatus(err)
	if status == fiber.StatusInternalServerError {
		h.logger.Error(fallbackMessage,
			zap.String("path", c.Path()),
			zap.Any("request_id", c.Locals("requestid")),
			zap.Error(err))
		return h.ErrorResponse(c, status, fallbackMessage, fallbackCode, nil)
	}

	code := businessflow.ErrorCode(err)
	if code == "" {
		code = fallbackCode
	}
	message := fallbackMessage
	var be *businessflow.BusinessError
	if errors.As(err, &be) && be.Message != "" {
		message = be.Message
	}
	return h.ErrorResponse(c, status, message, code, nil)
}

func (h *baseHandler) clientMetadata(c fiber.Ctx) *businessflow.ClientMetadata {
	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	if rid, ok := c.Locals("requestid").(string); ok {
		metadata.SetRequestID(rid)
	}
	return metadata
}

func (h *baseHandler) createRequestContext(c fiber.Ctx, endpoint string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	ctx = context.WithValue(ctx, utils.TimeoutKey, h.timeout)
	return ctx, cancel
}

// watchLinkErrorStatus maps business errors to HTTP statuses
func watchLinkErrorStatus(err error) int {
	switch {
	case err == nil:
		return fiber.StatusOK
	case businessflow.IsSettlementPending(err):
		return fiber.StatusAccepted
	case businessflow.IsBadRequest(err):
		return fiber.StatusBadRequest
	case businessflow.IsNotFound(err):
		return fiber.StatusNotFound
	case businessflow.IsGone(err):
		return fiber.StatusGone
	case businessflow.IsForbidden(err):
		return fiber.StatusForbidden
	case businessflow.IsConflict(err):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func getValidationErrorMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return err.Field() + " is required"
	case "min":
		return err.Field() + " must be at least " + err.Param() + " characters"
	case "max":
		return err.Field() + " must be at most " + err.Param() + " characters"
	case "len":
		return err.Field() + " must be exactly " + err.Param() + " characters"
	case "oneof":
		return err.Field() + " must be one of: " + err.Param()
	case "numeric":
		return err.Field() + " must contain only numbers"
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", err.Field(), err.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", err.Field(), err.Param())
	default:
		return err.Field() + " is invalid"
	}
}
