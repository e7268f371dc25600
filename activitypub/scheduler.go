package activitypub

import (
	"context"
	"log"
	"time"

	"github.com/deemkeen/fedipress/domain"
	"github.com/deemkeen/fedipress/util"
)

// RefreshInterval is how often stale follower profiles are re-fetched.
const RefreshInterval = time.Hour

// CleanupInterval is how often faulty followers are re-checked and
// persistently unreachable ones removed.
const CleanupInterval = 24 * time.Hour

// Scheduler runs the recurring background maintenance: the hourly follower
// refresh and the daily cleanup sweep. Batch sizes are deliberately small;
// the jobs run forever, they do not need to finish fast.
type Scheduler struct {
	db       Database
	resolver *Resolver
	conf     *util.AppConfig
}

func NewScheduler(database Database, resolver *Resolver, conf *util.AppConfig) *Scheduler {
	return &Scheduler{db: database, resolver: resolver, conf: conf}
}

// Start launches the background jobs and blocks until the context is
// cancelled. Run it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	refresh := time.NewTicker(RefreshInterval)
	cleanup := time.NewTicker(CleanupInterval)
	defer refresh.Stop()
	defer cleanup.Stop()

	log.Printf("Scheduler: Started (refresh every %v, cleanup every %v)", RefreshInterval, CleanupInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Scheduler: Stopped")
			return
		case <-refresh.C:
			if err := s.UpdateFollowers(); err != nil {
				log.Printf("Scheduler: Follower refresh failed: %v", err)
			}
		case <-cleanup.C:
			if err := s.CleanupFollowers(); err != nil {
				log.Printf("Scheduler: Follower cleanup failed: %v", err)
			}
			if err := s.db.PruneFetchCache(); err != nil {
				log.Printf("Scheduler: Cache prune failed: %v", err)
			}
		}
	}
}

// UpdateFollowers re-fetches the profiles of the least recently updated
// followers. A successful fetch refreshes the cached delivery fields and
// clears the error counter; a tombstone removes the follower everywhere;
// a transient failure increments the counter.
func (s *Scheduler) UpdateFollowers() error {
	batch := s.conf.Conf.RefreshBatchSize
	err, followers := s.db.ReadOutdatedFollowers(batch)
	if err != nil {
		return err
	}

	for _, follower := range *followers {
		actor, err := s.resolver.Refresh(follower.ActorURI)
		if err != nil {
			s.recordRefreshFailure(&follower, err)
			continue
		}

		follower.InboxURI = actor.InboxURI
		follower.SharedInboxURI = actor.SharedInboxURI
		follower.DisplayName = actor.DisplayName
		follower.AvatarURL = actor.AvatarURL
		follower.UpdatedAt = time.Now()
		if err := s.db.UpsertFollower(&follower); err != nil {
			log.Printf("Scheduler: Failed to update follower %s: %v", follower.ActorURI, err)
			continue
		}
		if follower.ErrorCount > 0 {
			s.db.ResetFollowerErrors(follower.Id)
		}
	}

	log.Printf("Scheduler: Refreshed %d followers", len(*followers))
	return nil
}

// CleanupFollowers re-checks followers with accumulated delivery errors.
// Reachable ones get their counter cleared; gone ones are removed
// immediately; unreachable ones accumulate until the configured limit and
// are then removed.
func (s *Scheduler) CleanupFollowers() error {
	batch := s.conf.Conf.CleanupBatchSize
	limit := s.conf.Conf.FollowerErrorLimit

	err, followers := s.db.ReadFaultyFollowers(batch)
	if err != nil {
		return err
	}

	removed := 0
	for _, follower := range *followers {
		_, err := s.resolver.Refresh(follower.ActorURI)
		if err == nil {
			s.db.ResetFollowerErrors(follower.Id)
			s.db.TouchFollower(follower.Id, time.Now())
			continue
		}

		if err == ErrActorGone {
			s.removeGoneActor(follower.ActorURI)
			removed++
			continue
		}

		if err := s.db.IncrementFollowerErrors(follower.Id, err.Error()); err != nil {
			log.Printf("Scheduler: Failed to record error for %s: %v", follower.ActorURI, err)
			continue
		}
		count, err := s.db.ReadFollowerErrorCount(follower.Id)
		if err != nil {
			continue
		}
		if count >= limit {
			s.removeFollower(&follower)
			removed++
		}
	}

	log.Printf("Scheduler: Checked %d faulty followers, removed %d", len(*followers), removed)
	return nil
}

func (s *Scheduler) recordRefreshFailure(follower *domain.Follower, refreshErr error) {
	if refreshErr == ErrActorGone {
		s.removeGoneActor(follower.ActorURI)
		return
	}
	log.Printf("Scheduler: Refresh of %s failed: %v", follower.ActorURI, refreshErr)
	s.db.IncrementFollowerErrors(follower.Id, refreshErr.Error())
	// Bump updated_at anyway so one dead server cannot pin the refresh
	// batch forever.
	s.db.TouchFollower(follower.Id, time.Now())
}

func (s *Scheduler) removeFollower(follower *domain.Follower) {
	if err := s.db.DeleteFollower(follower.AccountId, follower.ActorURI); err != nil {
		log.Printf("Scheduler: Failed to remove follower %s: %v", follower.ActorURI, err)
		return
	}
	log.Printf("Scheduler: Removed unreachable follower %s", follower.ActorURI)
}

// removeGoneActor cascades a tombstoned actor the same way an inbound
// actor Delete does: every follower relationship and every logged
// interaction of that actor goes, across all local accounts.
func (s *Scheduler) removeGoneActor(actorURI string) {
	if err := s.db.DeleteFollowersByActorURI(actorURI); err != nil {
		log.Printf("Scheduler: Failed to remove followers for %s: %v", actorURI, err)
		return
	}
	if err := s.db.DeleteActivitiesByActorURI(actorURI); err != nil {
		log.Printf("Scheduler: Failed to remove activities for %s: %v", actorURI, err)
	}
	log.Printf("Scheduler: Removed gone actor %s and all associated data", actorURI)
}
