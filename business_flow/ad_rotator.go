package businessflow

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
)

// maxRotationPops bounds how many stale queue entries a single selection may discard
const maxRotationPops = 1024

// AdRotator assigns ads to subscribers from a per-subscriber shuffle-bag
type AdRotator interface {
	// SelectAd returns the next ad for the subscriber, or nil when no ad is eligible
	SelectAd(ctx context.Context, subscriberID string) (*models.Ad, error)
}

// AdRotatorImpl implements AdRotator on top of a RotationStore
type AdRotatorImpl struct {
	adRepo    repository.AdRepository
	store     RotationStore
	keyPrefix string
	now       func() time.Time
	shuffle   func([]uint)
}

func NewAdRotator(adRepo repository.AdRepository, store RotationStore, keyPrefix string) *AdRotatorImpl {
	return &AdRotatorImpl{
		adRepo:    adRepo,
		store:     store,
		keyPrefix: keyPrefix,
		now:       utils.UTCNow,
		shuffle: func(ids []uint) {
			rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		},
	}
}

func (r *AdRotatorImpl) SelectAd(ctx context.Context, subscriberID string) (*models.Ad, error) {
	pool, err := r.adRepo.ListEligible(ctx, r.now())
	if err != nil {
		return nil, NewBusinessError("ELIGIBLE_ADS_LOOKUP_FAILED", "Failed to load eligible ads", err)
	}
	if len(pool) == 0 {
		return nil, nil
	}

	byID := make(map[uint]*models.Ad, len(pool))
	ids := make([]uint, 0, len(pool))
	for _, ad := range pool {
		byID[ad.ID] = ad
		ids = append(ids, ad.ID)
	}

	key := utils.JoinKey(r.keyPrefix, utils.RotationQueueKey, subscriberID)
	for range maxRotationPops {
		refill := append([]uint(nil), ids...)
		r.shuffle(refill)

		id, ok, err := r.store.PopOrRefill(ctx, key, refill)
		if err != nil {
			return nil, NewBusinessError("AD_ROTATION_FAILED", "Failed to rotate ads", fmt.Errorf("%w: %v", ErrRotationUnavailable, err))
		}
		if !ok {
			return nil, nil
		}
		// entries queued before an ad lost eligibility are discarded
		if ad, found := byID[id]; found {
			return ad, nil
		}
	}
	return nil, NewBusinessError("AD_ROTATION_FAILED", "Rotation queue did not yield an eligible ad", ErrRotationUnavailable)
}
