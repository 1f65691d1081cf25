package collab

import (
	"context"
	"time"

	"lexdraft/api/internal/feed"
	"lexdraft/api/internal/metrics"
)

const cleanupTimeout = 5 * time.Second

// Start reports presence immediately, then keeps it fresh until the returned
// stop func is called. The caller must call stop when the document closes.
// Calling Start again returns the same stop func.
func (s *Session) Start(ctx context.Context) (stop func()) {
	s.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})

		var sub *feed.Subscription
		if s.deps.Subscriber != nil {
			var err error
			sub, err = s.deps.Subscriber.Subscribe(loopCtx, feed.TablePresence, s.documentID)
			if err != nil {
				s.log.Warn().Err(err).Msg("presence feed unavailable, relying on heartbeat")
				sub = nil
			}
		}

		s.heartbeat(loopCtx)

		go s.run(loopCtx, sub, done)

		s.stopFn = func() {
			s.stopOnce.Do(func() {
				s.mu.Lock()
				s.stopped = true
				s.mu.Unlock()

				cancel()
				if sub != nil {
					_ = sub.Close()
				}
				<-done

				cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
				defer cleanupCancel()
				if err := s.deps.Gateway.DeletePresence(cleanupCtx, s.documentID, s.userID); err != nil {
					s.log.Warn().Err(err).Msg("delete own presence on stop")
				}
				s.publish(cleanupCtx, "delete")
			})
		}
	})
	return s.stopFn
}

func (s *Session) run(ctx context.Context, sub *feed.Subscription, done chan<- struct{}) {
	defer close(done)

	heartbeat := time.NewTicker(s.heartbeatEvery)
	defer heartbeat.Stop()
	sweep := time.NewTicker(s.sweepEvery)
	defer sweep.Stop()

	var events <-chan feed.Event
	if sub != nil {
		events = sub.Events
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.heartbeat(ctx)
		case <-sweep.C:
			s.sweep(ctx)
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.refreshPresence(ctx)
		}
	}
}

// heartbeat refreshes last_seen_at and leaves the stored cursor alone.
func (s *Session) heartbeat(ctx context.Context) {
	if err := s.deps.Gateway.UpsertPresence(ctx, s.documentID, s.userID, nil, s.now().UTC()); err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("presence heartbeat")
		}
		return
	}
	s.publish(ctx, "upsert")
}

// sweep deletes presence rows that fell out of the liveness window. Every
// open session sweeps; repeated deletes are harmless.
func (s *Session) sweep(ctx context.Context) {
	removed, err := s.deps.Gateway.DeleteStalePresence(ctx, s.documentID, s.now().Add(-LivenessWindow))
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("presence sweep")
		}
		return
	}
	if removed > 0 {
		metrics.PresenceSwept.Add(float64(removed))
		s.publish(ctx, "sweep")
	}
}

// refreshPresence replaces the active presence set wholesale. A fetch that
// completes after stop is discarded.
func (s *Session) refreshPresence(ctx context.Context) {
	presence, err := s.deps.Gateway.ListActivePresence(ctx, s.documentID, s.now().Add(-LivenessWindow))
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("refresh presence")
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.presence = nonNil(presence)
	s.changed()
}
