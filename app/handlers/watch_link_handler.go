package handlers

import (
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

// Envelope transport names; header takes precedence over query, query over body
const (
	MetaHeader       = "X-Meta-Base64"
	legacyMetaHeader = "meta_base64"
	MetaQueryParam   = "meta_base64"
)

// WatchLinkHandlerInterface defines the contract for the public watch-link endpoints
type WatchLinkHandlerInterface interface {
	CreateLink(c fiber.Ctx) error
	FetchVideo(c fiber.Ctx) error
	TrackStart(c fiber.Ctx) error
	TrackComplete(c fiber.Ctx) error
}

// WatchLinkHandler handles watch-link protocol HTTP requests
type WatchLinkHandler struct {
	baseHandler
	flow businessflow.WatchLinkFlow
}

// NewWatchLinkHandler creates a new watch-link handler
func NewWatchLinkHandler(flow businessflow.WatchLinkFlow, logger *zap.Logger, timeout time.Duration) *WatchLinkHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WatchLinkHandler{
		baseHandler: newBaseHandler(logger.Named("watch_link_handler"), timeout),
		flow:        flow,
	}
}

// CreateLink issues or reuses a watch link for a subscriber and sends it by SMS
// @Summary Create Watch Link
// @Description Issue a watch link for the subscriber, or reuse today's unfinished one
// @Tags WatchLink
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body dto.CreateLinkRequest true "Subscriber"
// @Success 201 {object} dto.APIResponse{data=dto.CreateLinkResponse} "Watch link created"
// @Success 200 {object} dto.APIResponse{data=dto.CreateLinkResponse} "Watch link reused"
// @Failure 400 {object} dto.APIResponse "Validation error or no eligible ad"
// @Failure 401 {object} dto.APIResponse "Unauthorized"
// @Failure 409 {object} dto.APIResponse "Concurrent request for the same subscriber"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/link/create [post]
func (h *WatchLinkHandler) CreateLink(c fiber.Ctx) error {
	var req dto.CreateLinkRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/link/create")
	defer cancel()

	result, err := h.flow.CreateLink(ctx, &req, h.clientMetadata(c))
	if err != nil {
		return h.businessError(c, err, "Failed to create watch link", "CREATE_LINK_FAILED")
	}

	if result.Reused {
		return h.SuccessResponse(c, fiber.StatusOK, "Watch link reused", result)
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Watch link created", result)
}

// FetchVideo opens a watch link
// @Summary Fetch Video
// @Description Open the watch link and get the video URL and the credential for the start call
// @Tags WatchLink
// @Accept json
// @Produce json
// @Param token path string true "Watch token"
// @Param X-Meta-Base64 header string false "Base64 metadata envelope"
// @Param meta_base64 query string false "Base64 metadata envelope"
// @Success 200 {object} dto.APIResponse{data=dto.FetchVideoResponse} "Video ready"
// @Failure 400 {object} dto.APIResponse "Missing or invalid envelope"
// @Failure 403 {object} dto.APIResponse "Subscriber mismatch or blocked"
// @Failure 404 {object} dto.APIResponse "Unknown token"
// @Failure 409 {object} dto.APIResponse "Concurrent transition"
// @Failure 410 {object} dto.APIResponse "Expired or completed"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/video/{token} [get]
// @Router /api/v1/video/{token} [post]
func (h *WatchLinkHandler) FetchVideo(c fiber.Ctx) error {
	var body struct {
		MetaBase64 string `json:"meta_base64"`
	}
	if c.Method() == fiber.MethodPost && len(c.Body()) > 0 {
		if err := c.Bind().JSON(&body); err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
		}
	}

	req := dto.FetchVideoRequest{
		Token:      strings.TrimSpace(c.Params("token")),
		MetaBase64: resolveMeta(c, body.MetaBase64),
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/video")
	defer cancel()

	result, err := h.flow.FetchVideo(ctx, &req, h.clientMetadata(c))
	if err != nil {
		return h.businessError(c, err, "Failed to fetch video", "FETCH_VIDEO_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Video ready", result)
}

// TrackStart records that playback started
// @Summary Track Start
// @Description Record playback start; the returned credential authorizes the complete call
// @Tags WatchLink
// @Accept json
// @Produce json
// @Param request body dto.TrackRequest true "Token, credential and envelope"
// @Success 200 {object} dto.APIResponse{data=dto.TrackStartResponse} "Playback started"
// @Failure 400 {object} dto.APIResponse "Invalid input"
// @Failure 403 {object} dto.APIResponse "Credential mismatch, illegal phase or blocked"
// @Failure 404 {object} dto.APIResponse "Unknown token"
// @Failure 409 {object} dto.APIResponse "Concurrent transition"
// @Failure 410 {object} dto.APIResponse "Expired"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/track/start [post]
func (h *WatchLinkHandler) TrackStart(c fiber.Ctx) error {
	req, ok, err := h.bindTrack(c)
	if !ok {
		return err
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/track/start")
	defer cancel()

	result, err := h.flow.TrackStart(ctx, req, h.clientMetadata(c))
	if err != nil {
		return h.businessError(c, err, "Failed to record start", "TRACK_START_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Playback started", result)
}

// TrackComplete records that playback finished and grants the reward
// @Summary Track Complete
// @Description Record playback completion and settle the reward; 202 when settlement is pending
// @Tags WatchLink
// @Accept json
// @Produce json
// @Param request body dto.TrackRequest true "Token, credential and envelope"
// @Success 200 {object} dto.APIResponse{data=dto.TrackCompleteResponse} "Reward granted"
// @Success 202 {object} dto.APIResponse{data=dto.TrackCompleteResponse} "Completed; settlement pending"
// @Failure 400 {object} dto.APIResponse "Invalid input"
// @Failure 403 {object} dto.APIResponse "Credential mismatch, completion without start or blocked"
// @Failure 404 {object} dto.APIResponse "Unknown token"
// @Failure 409 {object} dto.APIResponse "Concurrent transition"
// @Failure 410 {object} dto.APIResponse "Expired"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/track/complete [post]
func (h *WatchLinkHandler) TrackComplete(c fiber.Ctx) error {
	req, ok, err := h.bindTrack(c)
	if !ok {
		return err
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/track/complete")
	defer cancel()

	result, err := h.flow.TrackComplete(ctx, req, h.clientMetadata(c))
	if err != nil {
		if businessflow.IsSettlementPending(err) && result != nil {
			h.logger.Warn("settlement pending",
				zap.String("token", result.Token),
				zap.Error(err))
			return c.Status(fiber.StatusAccepted).JSON(dto.APIResponse{
				Success: true,
				Message: "Watch completed; reward settlement is pending",
				Data:    result,
				Error:   dto.ErrorDetail{Code: "SETTLEMENT_PENDING"},
			})
		}
		return h.businessError(c, err, "Failed to record completion", "TRACK_COMPLETE_FAILED")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Reward granted", result)
}

func (h *WatchLinkHandler) bindTrack(c fiber.Ctx) (*dto.TrackRequest, bool, error) {
	var req dto.TrackRequest
	if err := c.Bind().JSON(&req); err != nil {
		return nil, false, h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	req.MetaBase64 = resolveMeta(c, req.MetaBase64)
	if ok, err := h.validate(c, &req); !ok {
		return nil, false, err
	}
	return &req, true, nil
}

// resolveMeta picks the envelope from the header, then the query string, then the body
func resolveMeta(c fiber.Ctx, fromBody string) string {
	for _, v := range []string{c.Get(MetaHeader), c.Get(legacyMetaHeader), c.Query(MetaQueryParam), fromBody} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
