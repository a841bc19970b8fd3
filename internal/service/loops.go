package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strogmv/notify/internal/domain"
	"github.com/strogmv/notify/internal/pkg/metrics"
)

// Run drives heartbeat emission, the staleness sweep and reconciliation until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.every(ctx, s.opts.HeartbeatInterval, func(context.Context) { s.EmitHeartbeats() })
	})
	g.Go(func() error {
		return s.every(ctx, s.opts.SweepInterval, func(context.Context) { s.SweepStale() })
	})
	g.Go(func() error {
		return s.every(ctx, s.opts.ReconcileInterval, func(context.Context) { s.Reconcile() })
	})
	return g.Wait()
}

func (s *Service) every(ctx context.Context, d time.Duration, fn func(context.Context)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(d):
			fn(ctx)
		}
	}
}

// EmitHeartbeats pushes a heartbeat into every local feed so idle connections keep
// producing traffic through proxies. It returns how many feeds accepted one.
func (s *Service) EmitHeartbeats() int {
	now := s.clock.Now()
	sent := 0
	s.streams.Range(func(_, v any) bool {
		st := v.(*stream)
		accepted, open := st.offer(domain.Heartbeat(st.userID, now))
		switch {
		case accepted:
			sent++
		case open:
			s.metrics.Dropped(metrics.DropStream)
		}
		return true
	})
	return sent
}

// SweepStale evicts connections whose last heartbeat is older than the staleness threshold
// and releases their bus subscriptions. It returns the evicted connection ids.
func (s *Service) SweepStale() []string {
	evicted := s.registry.SweepStale(s.opts.StaleThreshold)
	ids := make([]string, 0, len(evicted))
	for _, info := range evicted {
		s.log.Info("evicting stale connection",
			"connection_id", info.ConnectionID, "user_id", info.UserID,
			"last_heartbeat_at", info.LastHeartbeatAt)
		s.finishClaimed(info, info.ConnectionID, ReasonStale, true)
		ids = append(ids, info.ConnectionID)
	}
	return ids
}

// ReconcileReport describes what a reconcile pass found and repaired.
type ReconcileReport struct {
	OrphanStreams  []string `json:"orphan_streams"`
	OrphanEntries  []string `json:"orphan_entries"`
	MismatchedUser []string `json:"mismatched_users"`
}

// subscriberCounter is implemented by buses that can report local subscriptions per channel.
type subscriberCounter interface {
	Subscribers(channel string) int
}

// Reconcile checks that every registry entry has a stream with a live subscription and the
// other way round. Streams missing from the registry are closed; registry entries without a
// stream are evicted once older than one reconcile interval. When the bus can report its
// subscriber counts, per-user disagreement with the registry is logged.
func (s *Service) Reconcile() ReconcileReport {
	var report ReconcileReport

	s.streams.Range(func(key, _ any) bool {
		id := key.(string)
		if _, ok := s.registry.Get(id); !ok {
			report.OrphanStreams = append(report.OrphanStreams, id)
		}
		return true
	})
	for _, id := range report.OrphanStreams {
		s.log.Warn("stream without registry entry", "connection_id", id)
		s.finish(id, ReasonOrphan)
	}

	now := s.clock.Now()
	for _, info := range s.registry.Snapshot() {
		if _, ok := s.streams.Load(info.ConnectionID); ok {
			continue
		}
		if now.Sub(info.CreatedAt) < s.opts.ReconcileInterval {
			continue
		}
		report.OrphanEntries = append(report.OrphanEntries, info.ConnectionID)
		s.log.Warn("registry entry without stream", "connection_id", info.ConnectionID, "user_id", info.UserID)
		s.finish(info.ConnectionID, ReasonOrphan)
	}

	if counter, ok := s.bus.(subscriberCounter); ok {
		for userID, n := range s.registry.Users() {
			if subs := counter.Subscribers(domain.ChannelForUser(userID)); subs != n {
				report.MismatchedUser = append(report.MismatchedUser, userID)
				s.log.Error("bus subscriptions disagree with registry",
					"user_id", userID, "registry", n, "bus", subs)
			}
		}
	}
	return report
}

// Shutdown refuses new streams and closes every stream this process owns, ending their feeds.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	var ids []string
	s.streams.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.finish(id, ReasonShutdown)
	}
	s.log.Info("notification service drained", "streams", len(ids))
	return nil
}
