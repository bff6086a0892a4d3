package businessflow

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/xuri/excelize/v2"
)

const (
	defaultAuditTrailLimit  = 200
	defaultFraudExportLimit = 10000

	flaggedSheetName = "Flagged Sessions"
	summarySheetName = "Summary"
)

// WatchLinkOpsFlow exposes operator tooling over watch sessions
type WatchLinkOpsFlow interface {
	InspectSession(ctx context.Context, token string) (*dto.InspectSessionResponse, error)
	RetrySettlement(ctx context.Context, token string) (*dto.SettlementResponse, error)
	ExportFraudReport(ctx context.Context, req *dto.FraudExportRequest) (string, []byte, error)
}

// WatchLinkOpsFlowImpl implements WatchLinkOpsFlow
type WatchLinkOpsFlowImpl struct {
	sessionRepo repository.WatchSessionRepository
	auditRepo   repository.AuditLogRepository
	settlement  SettlementEngine
	now         func() time.Time
}

func NewWatchLinkOpsFlow(
	sessionRepo repository.WatchSessionRepository,
	auditRepo repository.AuditLogRepository,
	settlement SettlementEngine,
) WatchLinkOpsFlow {
	return &WatchLinkOpsFlowImpl{
		sessionRepo: sessionRepo,
		auditRepo:   auditRepo,
		settlement:  settlement,
		now:         utils.UTCNow,
	}
}

// InspectSession returns a session as observed now, with its audit trail
func (f *WatchLinkOpsFlowImpl) InspectSession(ctx context.Context, token string) (*dto.InspectSessionResponse, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, NewBusinessError("TOKEN_REQUIRED", "Token is required", ErrTokenRequired)
	}

	session, err := f.sessionRepo.ByToken(ctx, token)
	if err != nil {
		return nil, NewBusinessError("SESSION_LOOKUP_FAILED", "Failed to load watch session", err)
	}
	if session == nil {
		return nil, NewBusinessError("SESSION_NOT_FOUND", "Watch session not found", ErrSessionNotFound)
	}

	logs, err := f.auditRepo.ListByToken(ctx, token, defaultAuditTrailLimit, 0)
	if err != nil {
		return nil, NewBusinessError("AUDIT_LOOKUP_FAILED", "Failed to load audit trail", err)
	}

	trail := make([]dto.AuditEntryDTO, 0, len(logs))
	for _, l := range logs {
		trail = append(trail, dto.AuditEntryDTO{
			Action:      l.Action,
			Description: l.Description,
			Success:     !l.IsFailed(),
			Error:       l.ErrorMessage,
			CreatedAt:   l.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	return &dto.InspectSessionResponse{
		Session:    ToWatchSessionDTO(*session, f.now()),
		AuditTrail: trail,
	}, nil
}

// RetrySettlement re-runs settlement for a completed session; an already settled session replays its result
func (f *WatchLinkOpsFlowImpl) RetrySettlement(ctx context.Context, token string) (*dto.SettlementResponse, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, NewBusinessError("TOKEN_REQUIRED", "Token is required", ErrTokenRequired)
	}

	result, err := f.settlement.Settle(ctx, token)
	if err != nil {
		return nil, err
	}
	return &dto.SettlementResponse{
		Token:            result.Token,
		RewardID:         result.RewardID,
		OfferID:          result.OfferID,
		SettlementRef:    result.SettlementRef,
		Debited:          result.Debited,
		SponsorRemaining: result.SponsorRemaining,
		SponsorAdsPaused: result.SponsorAdsPaused,
		AlreadySettled:   result.AlreadySettled,
	}, nil
}

// ParseExportRange parses an RFC3339 or YYYY-MM-DD [from, to) range
func ParseExportRange(from, to string) (time.Time, time.Time, error) {
	start, err := parseExportTime(from)
	if err != nil {
		return time.Time{}, time.Time{}, NewBusinessErrorf("INVALID_TIME_RANGE", "Invalid from: %s", ErrInvalidTimeRange, from)
	}
	end, err := parseExportTime(to)
	if err != nil {
		return time.Time{}, time.Time{}, NewBusinessErrorf("INVALID_TIME_RANGE", "Invalid to: %s", ErrInvalidTimeRange, to)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, NewBusinessError("INVALID_TIME_RANGE", "to must be after from", ErrInvalidTimeRange)
	}
	return start, end, nil
}

func parseExportTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.ParseInLocation(time.DateOnly, s, time.UTC)
}

// ExportFraudReport builds an xlsx workbook of flagged sessions created in the requested range
func (f *WatchLinkOpsFlowImpl) ExportFraudReport(ctx context.Context, req *dto.FraudExportRequest) (string, []byte, error) {
	if req == nil {
		return "", nil, NewBusinessError("INVALID_TIME_RANGE", "Time range is required", ErrInvalidTimeRange)
	}
	from, to, err := ParseExportRange(req.From, req.To)
	if err != nil {
		return "", nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultFraudExportLimit
	}

	sessions, err := f.sessionRepo.ListFlagged(ctx, from, to, limit)
	if err != nil {
		return "", nil, NewBusinessError("FETCH_FLAGGED_SESSIONS_FAILED", "Failed to fetch flagged sessions", err)
	}

	data, err := buildFraudWorkbook(sessions, f.now())
	if err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to write Excel file", err)
	}

	filename := fmt.Sprintf("fraud_report_%s_%s.xlsx", from.Format("20060102"), to.Format("20060102"))
	return filename, data, nil
}

func buildFraudWorkbook(sessions []*models.WatchSession, now time.Time) ([]byte, error) {
	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	if err := xl.SetSheetName(xl.GetSheetName(0), flaggedSheetName); err != nil {
		return nil, err
	}
	header := []string{"token", "subscriber_id", "status", "ad_id", "sponsor_id", "reason", "detail", "phase", "flagged_at", "created_at", "settled"}
	if err := xl.SetSheetRow(flaggedSheetName, "A1", &header); err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	row := 2
	for _, s := range sessions {
		for _, flag := range s.FraudFlags {
			counts[flag.Reason]++
			record := []string{
				s.Token,
				s.SubscriberID,
				string(s.EffectiveStatus(now)),
				strconv.FormatUint(uint64(s.AdID), 10),
				strconv.FormatUint(uint64(s.SponsorID), 10),
				flag.Reason,
				flag.Detail,
				flag.Phase,
				flag.At.UTC().Format(time.RFC3339),
				s.CreatedAt.UTC().Format(time.RFC3339),
				strconv.FormatBool(s.IsSettled()),
			}
			cellRef, _ := excelize.CoordinatesToCellName(1, row)
			if err := xl.SetSheetRow(flaggedSheetName, cellRef, &record); err != nil {
				return nil, err
			}
			row++
		}
	}

	if _, err := xl.NewSheet(summarySheetName); err != nil {
		return nil, err
	}
	summaryHeader := []string{"reason", "count"}
	if err := xl.SetSheetRow(summarySheetName, "A1", &summaryHeader); err != nil {
		return nil, err
	}
	reasons := make([]string, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for i, r := range reasons {
		cellRef, _ := excelize.CoordinatesToCellName(1, i+2)
		record := []any{r, counts[r]}
		if err := xl.SetSheetRow(summarySheetName, cellRef, &record); err != nil {
			return nil, err
		}
	}
	totalRef, _ := excelize.CoordinatesToCellName(1, len(reasons)+2)
	total := []any{"sessions", len(sessions)}
	if err := xl.SetSheetRow(summarySheetName, totalRef, &total); err != nil {
		return nil, err
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
