package sessionsync

import (
	"context"

	"github.com/giantswarm/tokensync/security"
)

// armSweepsLocked (re)starts both sweeps for the current local session.
// Timers from an earlier generation stop re-arming themselves.
func (s *Synchronizer) armSweepsLocked() {
	s.stopSweepsLocked()
	gen := s.generation
	s.inactivityTimer = s.clock.AfterFunc(s.inactivityEvery, func() { s.inactivitySweep(gen) })
	s.validityTimer = s.clock.AfterFunc(s.validityEvery, func() { s.validitySweep(gen) })
}

func (s *Synchronizer) stopSweepsLocked() {
	s.generation++
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
		s.inactivityTimer = nil
	}
	if s.validityTimer != nil {
		s.validityTimer.Stop()
		s.validityTimer = nil
	}
}

// inactivitySweep ends the session once the activity watermark is older
// than the session timeout. Gate entries of sessions idle that long are
// dropped.
func (s *Synchronizer) inactivitySweep(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.generation || s.local == nil {
		s.mu.Unlock()
		return
	}
	s.gate.Cleanup(s.timeout)
	if s.clock.Now().Sub(s.local.LastActivity) > s.timeout {
		sess := s.local
		s.local = nil
		s.stopSweepsLocked()
		s.mu.Unlock()
		s.expire(sess, ReasonInactivity)
		return
	}
	s.inactivityTimer = s.clock.AfterFunc(s.inactivityEvery, func() { s.inactivitySweep(gen) })
	s.mu.Unlock()
}

// validitySweep re-reads the persisted record, merges a newer copy of the
// same session and ends the session on absolute expiry, invalidation, a
// disallowed origin domain, or a missing or replaced record.
func (s *Synchronizer) validitySweep(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.generation || s.local == nil {
		s.mu.Unlock()
		return
	}
	id := s.local.ID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	persisted, err := s.readPersisted(ctx)

	s.mu.Lock()
	if s.closed || gen != s.generation || s.local == nil || s.local.ID != id {
		s.mu.Unlock()
		return
	}

	var reason string
	switch {
	case err != nil:
		s.logger.Warn("Validity sweep could not read the session record", "session_id", id, "error", err)
	case persisted == nil:
		reason = ReasonRecordGone
	case persisted.ID != id:
		reason = ReasonRecordReplaced
	default:
		s.local.touch(persisted.LastActivity, s.timeout)
		if !persisted.IsValid {
			s.local.IsValid = false
		}
	}

	if reason == "" {
		switch {
		case !s.local.IsValid:
			reason = ReasonInvalidated
		case s.local.Expired(s.clock.Now()):
			reason = ReasonExpired
		case !s.domainAllowedLocked(s.local.OriginDomain):
			reason = ReasonDomainRejected
		}
	}

	if reason != "" {
		sess := s.local
		s.local = nil
		s.stopSweepsLocked()
		s.mu.Unlock()

		if reason == ReasonDomainRejected {
			s.auditor.LogSessionEvent(security.EventDomainRejected, sess.Principal, sess.ID, sess.OriginDomain)
		}
		s.expire(sess, reason)
		return
	}

	s.validityTimer = s.clock.AfterFunc(s.validityEvery, func() { s.validitySweep(gen) })
	s.mu.Unlock()
}

func (s *Synchronizer) expire(sess *Session, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := s.terminate(ctx, sess, reason, true); err != nil {
		s.logger.Warn("Session expiry left a persisted record behind", "session_id", sess.ID, "error", err)
	}
}
