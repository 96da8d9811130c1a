package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"shapesync/core"
	"shapesync/retry"
)

// PositionClearer withdraws every position record a user published.
type PositionClearer interface {
	ClearUser(ctx context.Context, userID string) (int, error)
}

// Cleaner releases everything a departing user held: shape locks, position
// records and the presence entry. It implements core.PresenceCleaner.
type Cleaner struct {
	repo      core.ShapeRepository
	tracker   Tracker
	positions PositionClearer
	policy    retry.Policy
}

// NewCleaner builds a Cleaner. tracker and positions may be nil.
func NewCleaner(repo core.ShapeRepository, tracker Tracker, positions PositionClearer, policy retry.Policy) *Cleaner {
	return &Cleaner{repo: repo, tracker: tracker, positions: positions, policy: policy}
}

// ReleaseUser runs every step even when an earlier one fails and returns
// the joined errors.
func (c *Cleaner) ReleaseUser(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	log := logrus.WithField("user_id", userID)

	var errs []error
	var released int
	err := c.policy.Do(ctx, "release locks", func(ctx context.Context) error {
		n, err := c.repo.ReleaseLocksHeldBy(ctx, userID)
		released = n
		return err
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("release locks: %w", err))
	}

	if c.positions != nil {
		if _, err := c.positions.ClearUser(ctx, userID); err != nil {
			errs = append(errs, fmt.Errorf("clear positions: %w", err))
		}
	}
	if c.tracker != nil {
		if err := c.tracker.MarkOffline(ctx, userID); err != nil {
			errs = append(errs, fmt.Errorf("mark offline: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		log.WithError(err).Warn("Failed to clean up after user")
		return err
	}
	log.WithField("lock_count", released).Info("User cleaned up successfully")
	return nil
}
