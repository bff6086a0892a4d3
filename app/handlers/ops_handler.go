package handlers

import (
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// OpsHandlerInterface defines the contract for operator endpoints
type OpsHandlerInterface interface {
	InspectSession(c fiber.Ctx) error
	RetrySettlement(c fiber.Ctx) error
	ExportFraudReport(c fiber.Ctx) error
}

// OpsHandler serves session inspection, settlement retry and fraud export
type OpsHandler struct {
	baseHandler
	flow businessflow.WatchLinkOpsFlow
}

func NewOpsHandler(flow businessflow.WatchLinkOpsFlow, logger *zap.Logger, timeout time.Duration) *OpsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsHandler{
		baseHandler: newBaseHandler(logger.Named("ops_handler"), timeout),
		flow:        flow,
	}
}

// InspectSession returns a watch session and its audit trail
// @Summary Inspect Watch Session
// @Tags Ops
// @Produce json
// @Security BearerAuth
// @Param token path string true "Watch token"
// @Success 200 {object} dto.APIResponse{data=dto.InspectSessionResponse} "Session retrieved"
// @Failure 401 {object} dto.APIResponse "Unauthorized"
// @Failure 404 {object} dto.APIResponse "Unknown token"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/ops/sessions/{token} [get]
func (h *OpsHandler) InspectSession(c fiber.Ctx) error {
	ctx, cancel := h.createRequestContext(c, "/api/v1/ops/sessions")
	defer cancel()

	result, err := h.flow.InspectSession(ctx, c.Params("token"))
	if err != nil {
		return h.businessError(c, err, "Failed to inspect session", "INSPECT_SESSION_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Session retrieved successfully", result)
}

// RetrySettlement re-runs settlement for a completed session
// @Summary Retry Settlement
// @Tags Ops
// @Produce json
// @Security BearerAuth
// @Param token path string true "Watch token"
// @Success 200 {object} dto.APIResponse{data=dto.SettlementResponse} "Settled"
// @Failure 401 {object} dto.APIResponse "Unauthorized"
// @Failure 404 {object} dto.APIResponse "Unknown token"
// @Failure 409 {object} dto.APIResponse "Session not completed"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/ops/settlements/{token}/retry [post]
func (h *OpsHandler) RetrySettlement(c fiber.Ctx) error {
	ctx, cancel := h.createRequestContext(c, "/api/v1/ops/settlements/retry")
	defer cancel()

	result, err := h.flow.RetrySettlement(ctx, c.Params("token"))
	if err != nil {
		return h.businessError(c, err, "Failed to settle session", "SETTLEMENT_FAILED")
	}
	message := "Session settled"
	if result.AlreadySettled {
		message = "Session already settled"
	}
	return h.SuccessResponse(c, fiber.StatusOK, message, result)
}

// ExportFraudReport downloads flagged sessions as an xlsx workbook
// @Summary Export Fraud Report
// @Tags Ops
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Security BearerAuth
// @Param from query string true "Start (RFC3339 or YYYY-MM-DD)"
// @Param to query string true "End, exclusive (RFC3339 or YYYY-MM-DD)"
// @Param limit query int false "Maximum sessions"
// @Success 200 {file} file "Workbook"
// @Failure 400 {object} dto.APIResponse "Invalid time range"
// @Failure 401 {object} dto.APIResponse "Unauthorized"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/ops/fraud/export [get]
func (h *OpsHandler) ExportFraudReport(c fiber.Ctx) error {
	var req dto.FraudExportRequest
	if err := c.Bind().Query(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query parameters", "INVALID_REQUEST", err.Error())
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/ops/fraud/export")
	defer cancel()

	filename, data, err := h.flow.ExportFraudReport(ctx, &req)
	if err != nil {
		return h.businessError(c, err, "Failed to export fraud report", "FRAUD_EXPORT_FAILED")
	}

	c.Set(fiber.HeaderContentType, xlsxContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Status(fiber.StatusOK).Send(data)
}
