package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/peerlink"
)

// event is a unit of work for the loop.
type event func()

// Everything below runs on the loop goroutine.

func (o *Orchestrator) nextInstance() uint64 {
	id := uint64(o.cfg.Now().UnixNano())
	if id <= o.lastInstance {
		id = o.lastInstance + 1
	}
	o.lastInstance = id
	return id
}

func (o *Orchestrator) upsertRoster(peerID, displayName string) *rosterState {
	st, ok := o.roster[peerID]
	if !ok {
		st = &rosterState{entry: RosterEntry{ID: peerID}}
		o.roster[peerID] = st
	}
	if displayName != "" {
		st.entry.DisplayName = displayName
	}
	return st
}

func (o *Orchestrator) liveRecord(peerID string) *record {
	if rec := o.records[peerID]; rec != nil && !rec.destroyed {
		return rec
	}
	return nil
}

// deferIfCreating parks fn behind an in-flight creation for peerID.
func (o *Orchestrator) deferIfCreating(peerID string, fn func()) bool {
	c := o.creating[peerID]
	if c == nil {
		return false
	}
	c.deferred = append(c.deferred, fn)
	return true
}

func (o *Orchestrator) ensure(peerID string, role peerlink.Role, offer *peerlink.Signal, reply chan ensureResult) {
	if rec := o.liveRecord(peerID); rec != nil {
		if reply != nil {
			reply <- ensureResult{info: rec.info()}
		}
		return
	}
	if c := o.creating[peerID]; c != nil {
		if reply != nil {
			c.waiters = append(c.waiters, reply)
		}
		return
	}
	if role == peerlink.RoleResponder && offer == nil {
		if reply != nil {
			reply <- ensureResult{err: ErrNoOffer}
		}
		return
	}
	c := o.startCreate(peerID, role, offer, 0)
	if reply != nil {
		c.waiters = append(c.waiters, reply)
	}
}

// startCreate builds a link off the loop. The peer stays in o.creating until
// onCreated runs, so nothing else can create a second one meanwhile.
func (o *Orchestrator) startCreate(peerID string, role peerlink.Role, offer *peerlink.Signal, attempts int) *creation {
	c := &creation{instance: o.nextInstance(), role: role, attempts: attempts}
	o.creating[peerID] = c
	instance := c.instance

	cfg := peerlink.Config{
		PeerID:         peerID,
		InstanceID:     instance,
		Role:           role,
		Tracks:         o.cfg.Tracks,
		AudioOnly:      o.audioOnly,
		VideoKbps:      o.cfg.VideoKbps,
		AudioKbps:      o.cfg.AudioKbps,
		ConnectTimeout: o.cfg.ConnectTimeout,
		NewNative:      o.cfg.NewNative,
		AfterFunc:      o.cfg.AfterFunc,
		Logger:         o.log,
		OnSignal: func(sig peerlink.Signal) {
			o.cfg.Send(peerID, sig)
		},
		OnStateChange: func(s peerlink.State, err error) {
			o.post(func() { o.onLinkState(peerID, instance, s, err) })
		},
		OnTrack: func(track *webrtc.TrackRemote) {
			o.post(func() { o.onTrack(peerID, instance, track) })
		},
		OnConfirmed: func() {
			o.log.Info("peer link confirmed", "peer_id", peerID, "instance_id", instance)
		},
	}

	o.log.Debug("creating peer link", "peer_id", peerID, "instance_id", instance, "role", role.String(), "attempt", attempts)
	go func() {
		link, err := peerlink.New(cfg, offer)
		if !o.post(func() { o.onCreated(peerID, c, link, err) }) && link != nil {
			link.Close()
		}
	}()
	return c
}

func (o *Orchestrator) onCreated(peerID string, c *creation, link *peerlink.Link, err error) {
	if o.creating[peerID] != c {
		// The peer left, or the loop is shutting down.
		if link != nil {
			link.Close()
		}
		return
	}
	delete(o.creating, peerID)

	if err != nil {
		o.log.Warn("peer link creation failed", "peer_id", peerID, "instance_id", c.instance, "err", err)
		for _, w := range c.waiters {
			w <- ensureResult{err: err}
		}
		o.notify(Notice{PeerID: peerID, Kind: NoticeLinkError, Err: err})
	} else {
		if old := o.records[peerID]; old != nil {
			o.destroy(old)
		}
		rec := &record{
			peerID:     peerID,
			instanceID: c.instance,
			role:       c.role,
			link:       link,
			attempts:   c.attempts,
		}
		o.records[peerID] = rec
		o.arena = append(o.arena, rec)
		for _, w := range c.waiters {
			w <- ensureResult{info: rec.info()}
		}
	}

	for _, fn := range c.deferred {
		fn()
	}
}

func (o *Orchestrator) onLeft(peerID string) {
	if c := o.creating[peerID]; c != nil {
		delete(o.creating, peerID)
		for _, w := range c.waiters {
			w <- ensureResult{err: ErrPeerLeft}
		}
	}
	for _, rec := range o.arena {
		if rec.peerID == peerID {
			o.destroy(rec)
		}
	}
	delete(o.records, peerID)
	delete(o.roster, peerID)
	o.log.Info("participant left", "peer_id", peerID)
}

func (o *Orchestrator) onOffer(peerID, sdp string) {
	if o.deferIfCreating(peerID, func() { o.onOffer(peerID, sdp) }) {
		return
	}
	o.upsertRoster(peerID, "")
	offer := &peerlink.Signal{Type: peerlink.SignalOffer, SDP: sdp}

	rec := o.liveRecord(peerID)
	if rec == nil {
		o.startCreate(peerID, peerlink.RoleResponder, offer, 0)
		return
	}

	switch state := rec.link.State(); state {
	case peerlink.StateFailed, peerlink.StateClosed:
		o.log.Info("offer replaces dead link", "peer_id", peerID, "instance_id", rec.instanceID, "state", state.String())
		o.destroy(rec)
		o.startCreate(peerID, peerlink.RoleResponder, offer, 0)
		return
	}

	// A different certificate means the peer rebuilt its connection, so the
	// offer cannot renegotiate ours.
	if fp, cur := peerlink.Fingerprint(sdp), rec.link.RemoteFingerprint(); fp != "" && cur != "" && fp != cur {
		o.log.Info("offer from a new peer connection replaces link", "peer_id", peerID, "instance_id", rec.instanceID, "state", rec.link.State().String())
		o.destroy(rec)
		o.startCreate(peerID, peerlink.RoleResponder, offer, 0)
		return
	}

	yielding := rec.link.AwaitingAnswer()
	if yielding && o.cfg.SelfID < peerID {
		o.log.Debug("offer glare, keeping ours", "peer_id", peerID, "instance_id", rec.instanceID)
		return
	}
	if err := rec.link.ApplySignal(*offer); err != nil {
		o.log.Warn("apply offer", "peer_id", peerID, "instance_id", rec.instanceID, "err", err)
		return
	}
	if yielding && rec.link.State() == peerlink.StateSignaling {
		// The other side won glare on first negotiation and owns reconnects.
		rec.role = peerlink.RoleResponder
	}
}

// onSignal routes an answer or candidate to the current instance only.
func (o *Orchestrator) onSignal(peerID string, sig peerlink.Signal) {
	if o.deferIfCreating(peerID, func() { o.onSignal(peerID, sig) }) {
		return
	}
	rec := o.liveRecord(peerID)
	if rec == nil {
		o.log.Debug("stale signal dropped", "peer_id", peerID, "type", string(sig.Type), "err", peerlink.ErrStaleSignal)
		return
	}
	err := rec.link.ApplySignal(sig)
	switch {
	case err == nil:
	case errors.Is(err, peerlink.ErrStaleSignal):
		o.log.Debug("stale signal dropped", "peer_id", peerID, "instance_id", rec.instanceID, "type", string(sig.Type))
	default:
		o.log.Warn("apply signal", "peer_id", peerID, "instance_id", rec.instanceID, "type", string(sig.Type), "err", err)
	}
}

func (o *Orchestrator) onLinkState(peerID string, instance uint64, state peerlink.State, cause error) {
	if c := o.creating[peerID]; c != nil && c.instance == instance {
		c.deferred = append(c.deferred, func() { o.onLinkState(peerID, instance, state, cause) })
		return
	}
	rec := o.records[peerID]
	if rec == nil || rec.instanceID != instance || rec.destroyed {
		return
	}

	switch state {
	case peerlink.StateConnected:
		rec.attempts = 0
		if st := o.roster[peerID]; st != nil {
			st.gaveUp = false
		}
	case peerlink.StateFailed:
		if rec.role != peerlink.RoleInitiator {
			o.log.Info("link failed, waiting for a fresh offer", "peer_id", peerID, "instance_id", instance, "err", cause)
			return
		}
		o.scheduleReconnect(rec, cause)
	}
}

func (o *Orchestrator) onTrack(peerID string, instance uint64, track *webrtc.TrackRemote) {
	if c := o.creating[peerID]; c != nil && c.instance == instance {
		c.deferred = append(c.deferred, func() { o.onTrack(peerID, instance, track) })
		return
	}
	rec := o.records[peerID]
	if rec == nil || rec.instanceID != instance || rec.destroyed {
		return
	}
	rec.tracks = append(rec.tracks, RemoteTrack{
		ID:       track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind(),
		Track:    track,
	})
}

func (o *Orchestrator) scheduleReconnect(rec *record, cause error) {
	if rec.attempts >= o.cfg.MaxAttempts {
		o.giveUp(rec, cause)
		return
	}
	rec.attempts++
	delay := o.cfg.ReconnectBackoff * time.Duration(rec.attempts)
	peerID, instance := rec.peerID, rec.instanceID
	o.log.Info("scheduling reconnect", "peer_id", peerID, "instance_id", instance, "attempt", rec.attempts, "delay", delay, "err", cause)
	rec.reconnect = o.cfg.AfterFunc(delay, func() {
		o.post(func() { o.reconnectNow(peerID, instance) })
	})
}

func (o *Orchestrator) reconnectNow(peerID string, instance uint64) {
	rec := o.records[peerID]
	if rec == nil || rec.instanceID != instance || rec.destroyed {
		return
	}
	attempts := rec.attempts
	o.destroy(rec)
	o.startCreate(peerID, peerlink.RoleInitiator, nil, attempts)
}

func (o *Orchestrator) reconnectManual(peerID string) error {
	if o.creating[peerID] != nil {
		return nil
	}
	rec := o.liveRecord(peerID)
	if rec == nil {
		return ErrUnknownPeer
	}
	if rec.attempts >= o.cfg.MaxAttempts {
		o.giveUp(rec, nil)
		return ErrReconnectBudgetExhausted
	}
	attempts := rec.attempts + 1
	o.destroy(rec)
	o.startCreate(peerID, peerlink.RoleInitiator, nil, attempts)
	return nil
}

func (o *Orchestrator) giveUp(rec *record, cause error) {
	o.destroy(rec)
	if st := o.roster[rec.peerID]; st != nil {
		st.gaveUp = true
	}
	err := ErrReconnectBudgetExhausted
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrReconnectBudgetExhausted, cause)
	}
	o.log.Warn("giving up on peer link", "peer_id", rec.peerID, "instance_id", rec.instanceID, "attempts", rec.attempts, "err", cause)
	o.notify(Notice{PeerID: rec.peerID, Kind: NoticeLinkGaveUp, Err: err})
}

// destroy marks rec destroyed, stops its timers and closes its link. The
// record stays in the arena until the next sweep.
func (o *Orchestrator) destroy(rec *record) {
	rec.destroyed = true
	if rec.reconnect != nil {
		rec.reconnect.Stop()
		rec.reconnect = nil
	}
	rec.link.Close()
	if o.records[rec.peerID] == rec {
		delete(o.records, rec.peerID)
	}
}

func (o *Orchestrator) sweep() {
	kept := o.arena[:0]
	for _, rec := range o.arena {
		if !rec.destroyed && rec.link.State() != peerlink.StateClosed {
			kept = append(kept, rec)
		}
	}
	for i := len(kept); i < len(o.arena); i++ {
		o.arena[i] = nil
	}
	if n := len(o.arena) - len(kept); n > 0 {
		o.log.Debug("swept peer link records", "count", n)
	}
	o.arena = kept
}

func (o *Orchestrator) notify(n Notice) {
	select {
	case o.notices <- n:
	default:
		o.log.Warn("notice dropped", "notice", n.String())
	}
}

func (o *Orchestrator) shutdown() {
	for peerID, c := range o.creating {
		for _, w := range c.waiters {
			w <- ensureResult{err: ErrClosed}
		}
		delete(o.creating, peerID)
	}
	for _, rec := range o.arena {
		o.destroy(rec)
	}
	o.arena = nil
}
