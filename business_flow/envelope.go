package businessflow

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/go-playground/validator/v10"
)

// Envelope keys every phase call must carry
const (
	EnvelopeKeySubscriber = "msisdn"
	EnvelopeKeyIP         = "ip"
	EnvelopeKeyUserAgent  = "userAgent"
	EnvelopeKeyDevice     = "deviceInfo"
	EnvelopeKeyLocation   = "location"
)

var requiredEnvelopeKeys = []string{
	EnvelopeKeySubscriber,
	EnvelopeKeyIP,
	EnvelopeKeyUserAgent,
	EnvelopeKeyDevice,
	EnvelopeKeyLocation,
}

// envelopeRules marks every required key; absent, null, "", false and 0 all fail "required"
var envelopeRules = func() map[string]any {
	rules := make(map[string]any, len(requiredEnvelopeKeys))
	for _, key := range requiredEnvelopeKeys {
		rules[key] = "required"
	}
	return rules
}()

var envelopeValidator = validator.New()

var envelopeEncodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.URLEncoding,
	base64.RawStdEncoding,
	base64.RawURLEncoding,
}

// EnvelopePayload is the decoded client telemetry
type EnvelopePayload struct {
	SubscriberID string
	IP           string
	UserAgent    string
	DeviceInfo   any
	Location     any
	Raw          map[string]any
}

// EnvelopeResult is the outcome of decoding one envelope
type EnvelopeResult struct {
	Valid   bool
	Payload *EnvelopePayload
	Report  string
}

// Err converts an invalid result into ErrInvalidEnvelope carrying the report
func (r EnvelopeResult) Err() error {
	if r.Valid {
		return nil
	}
	return NewBusinessError("INVALID_ENVELOPE", r.Report, ErrInvalidEnvelope)
}

// DecodeEnvelope decodes a base64 JSON envelope and checks the required keys
func DecodeEnvelope(raw string) EnvelopeResult {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return EnvelopeResult{Report: "empty envelope"}
	}

	decoded, err := decodeBase64(raw)
	if err != nil {
		return EnvelopeResult{Report: err.Error()}
	}

	var obj map[string]any
	if err := json.Unmarshal(decoded, &obj); err != nil {
		return EnvelopeResult{Report: fmt.Sprintf("malformed envelope: %v", err)}
	}
	if obj == nil {
		return EnvelopeResult{Report: "malformed envelope: not an object"}
	}

	if key := missingEnvelopeKey(obj); key != "" {
		return EnvelopeResult{Report: "missing " + key}
	}

	return EnvelopeResult{
		Valid: true,
		Payload: &EnvelopePayload{
			SubscriberID: scalarString(obj[EnvelopeKeySubscriber]),
			IP:           scalarString(obj[EnvelopeKeyIP]),
			UserAgent:    scalarString(obj[EnvelopeKeyUserAgent]),
			DeviceInfo:   obj[EnvelopeKeyDevice],
			Location:     obj[EnvelopeKeyLocation],
			Raw:          obj,
		},
	}
}

// EncodeEnvelope builds an envelope from a payload object
func EncodeEnvelope(payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeBase64(raw string) ([]byte, error) {
	var firstErr error
	for _, enc := range envelopeEncodings {
		out, err := enc.DecodeString(raw)
		if err == nil {
			return out, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, fmt.Errorf("malformed envelope encoding: %w", firstErr)
}

// missingEnvelopeKey returns the first required key, in declaration order, that fails validation
func missingEnvelopeKey(obj map[string]any) string {
	errs := envelopeValidator.ValidateMap(obj, envelopeRules)
	if len(errs) == 0 {
		return ""
	}
	for _, key := range requiredEnvelopeKeys {
		if _, failed := errs[key]; failed {
			return key
		}
	}
	return ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}

func asObject(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	if v == nil {
		return nil
	}
	return map[string]any{"value": v}
}

// Fingerprint extracts the comparable client fingerprint captured at now
func (p *EnvelopePayload) Fingerprint(now time.Time) models.Fingerprint {
	at := now.UTC()
	return models.Fingerprint{
		IP:         p.IP,
		UserAgent:  p.UserAgent,
		Device:     asObject(p.DeviceInfo),
		Location:   asObject(p.Location),
		CapturedAt: &at,
	}
}

// resolveEnvelope decodes raw and maps absence or invalidity to input errors
func resolveEnvelope(raw string) (*EnvelopePayload, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, NewBusinessError("MISSING_ENVELOPE", "Metadata envelope is required", ErrMissingEnvelope)
	}
	res := DecodeEnvelope(raw)
	if err := res.Err(); err != nil {
		return nil, err
	}
	if res.Payload == nil {
		return nil, errors.New("envelope decoded without payload")
	}
	return res.Payload, nil
}
