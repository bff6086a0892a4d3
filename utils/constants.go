package utils

import (
	"time"
)

// Watch-link session constants
const (
	// WatchSessionTTL is the lifetime of an issued watch link (3 hours)
	WatchSessionTTL = 3 * time.Hour

	// WatchSessionRetention is how long archived sessions are kept before the sweep deletes them
	WatchSessionRetention = 7 * 24 * time.Hour

	// DefaultCostPerView is charged when an ad has no explicit per-view cost
	DefaultCostPerView int64 = 1

	// DefaultVideoPath is served when an ad has no video file
	DefaultVideoPath = "/ads/default.mp4"

	// OfferIDPrefix prefixes every reward offer identifier
	OfferIDPrefix = "OFFER-"

	// DeductionReason is recorded on every settlement ledger entry
	DeductionReason = "Ad watched deduction"
)

// Redis key fragments
const (
	RotationQueueKey    = "rotation"
	SubscriberLockKey   = "lock:subscriber"
	SettlementRetryTask = "settlement:retry"
)

// CORS and security constants
const (
	// CORSMaxAge is the maximum age for CORS preflight requests (24 hours)
	CORSMaxAge = 86400
)
