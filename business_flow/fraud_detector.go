package businessflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/google/cel-go/cel"
)

// Phase names used in fraud flags, audit entries and metrics
const (
	PhaseOpen     = "open"
	PhaseStart    = "start"
	PhaseComplete = "complete"
)

var deviceIdentityKeys = []string{"deviceId", "id", "model"}

// FraudPolicy decides which raised flags block a transition
type FraudPolicy struct {
	blocking map[string]struct{}
	rule     cel.Program
	ruleExpr string
}

// NewFraudPolicy builds a policy; MSISDN_MISMATCH always blocks.
// rule is an optional CEL expression over `flags` (list of string) and `phase` (string)
func NewFraudPolicy(blockingFlags []string, rule string) (*FraudPolicy, error) {
	p := &FraudPolicy{
		blocking: map[string]struct{}{models.FraudReasonMSISDNMismatch: {}},
		ruleExpr: strings.TrimSpace(rule),
	}
	for _, f := range blockingFlags {
		if f = strings.ToUpper(strings.TrimSpace(f)); f != "" {
			p.blocking[f] = struct{}{}
		}
	}
	if p.ruleExpr == "" {
		return p, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("flags", cel.ListType(cel.StringType)),
		cel.Variable("phase", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build fraud rule environment: %w", err)
	}
	ast, issues := env.Compile(p.ruleExpr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid fraud rule: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("fraud rule must evaluate to bool, got %v", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build fraud rule program: %w", err)
	}
	p.rule = prg
	return p, nil
}

// DefaultFraudPolicy blocks on subscriber identity mismatch only
func DefaultFraudPolicy() *FraudPolicy {
	p, _ := NewFraudPolicy(nil, "")
	return p
}

// Blocks reports whether flags raised during phase must reject the transition
func (p *FraudPolicy) Blocks(flags []models.FraudFlag, phase string) (bool, string, error) {
	if len(flags) == 0 {
		return false, "", nil
	}
	reasons := flagReasons(flags)
	for _, r := range reasons {
		if _, ok := p.blocking[r]; ok {
			return true, r, nil
		}
	}
	if p.rule == nil {
		return false, "", nil
	}

	out, _, err := p.rule.Eval(map[string]any{"flags": reasons, "phase": phase})
	if err != nil {
		return false, "", fmt.Errorf("failed to evaluate fraud rule: %w", err)
	}
	blocked, ok := out.Value().(bool)
	if !ok {
		return false, "", fmt.Errorf("fraud rule returned %T", out.Value())
	}
	if blocked {
		return true, "rule: " + p.ruleExpr, nil
	}
	return false, "", nil
}

// FraudDetector compares the incoming fingerprint with the one captured by the previous phase
type FraudDetector struct {
	policy *FraudPolicy
}

func NewFraudDetector(policy *FraudPolicy) *FraudDetector {
	if policy == nil {
		policy = DefaultFraudPolicy()
	}
	return &FraudDetector{policy: policy}
}

// Policy returns the blocking policy of the detector
func (d *FraudDetector) Policy() *FraudPolicy {
	return d.policy
}

// Evaluate raises flags for identity mismatch and for drift against a previously captured fingerprint
func (d *FraudDetector) Evaluate(prev *models.Fingerprint, cur models.Fingerprint, subscriberMatch bool, phase string, now time.Time) []models.FraudFlag {
	var flags []models.FraudFlag
	raise := func(reason, detail string) {
		flags = append(flags, models.FraudFlag{Reason: reason, Detail: detail, Phase: phase, At: now.UTC()})
	}

	if !subscriberMatch {
		raise(models.FraudReasonMSISDNMismatch, "envelope subscriber differs from session subscriber")
	}
	if prev == nil || !prev.Captured() {
		return flags
	}

	if prev.IP != cur.IP {
		raise(models.FraudReasonIPMismatch, fmt.Sprintf("%s -> %s", prev.IP, cur.IP))
	}
	if before, after := DeviceIdentity(prev.Device), DeviceIdentity(cur.Device); before != after {
		raise(models.FraudReasonDeviceChange, fmt.Sprintf("%s -> %s", before, after))
	}
	if prev.UserAgent != cur.UserAgent {
		raise(models.FraudReasonUserAgentChange, "user agent changed")
	}
	return flags
}

// DeviceIdentity picks the identifying field of a device descriptor
func DeviceIdentity(device map[string]any) string {
	for _, key := range deviceIdentityKeys {
		if v, ok := device[key]; ok && envelopeValidator.Var(v, "required") == nil {
			return scalarString(v)
		}
	}
	if v, ok := device["value"]; ok {
		return scalarString(v)
	}
	return ""
}
