package meetings

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

// Membership is the coordinator's view of who is in which room. A room that
// is empty but still inside its grace window is listed with no members.
type Membership interface {
	Snapshot() map[string][]signaling.Participant
}

type ReaperConfig struct {
	Store    Store
	Rooms    Membership
	Interval time.Duration
	// MinAge protects meetings that were created but not joined yet.
	MinAge  time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Reaper deletes meetings that are old enough and have no room on the relay,
// and resyncs presence for the rest from the same snapshot.
type Reaper struct {
	cfg ReaperConfig
	log *slog.Logger
}

func NewReaper(cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultMeetingGCInterval
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = config.DefaultMeetingGCMinAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reaper{cfg: cfg, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Warn("meeting sweep failed", "err", err)
			}
		}
	}
}

// Sweep runs one pass and returns the ids it deleted.
func (r *Reaper) Sweep(ctx context.Context) ([]string, error) {
	list, err := r.cfg.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	rooms := r.cfg.Rooms.Snapshot()
	now := r.cfg.Now()

	var deleted []string
	var errs []error
	for _, m := range list {
		members, live := rooms[m.ID]
		if !live && now.Sub(m.CreatedAt) >= r.cfg.MinAge {
			switch err := r.cfg.Store.Delete(ctx, m.ID); {
			case err == nil:
				deleted = append(deleted, m.ID)
				r.cfg.Metrics.Inc(metrics.MeetingsCollected)
				r.log.Info("meeting collected", "meeting_id", m.ID, "age", now.Sub(m.CreatedAt).Round(time.Second))
			case errors.Is(err, ErrNotFound):
			default:
				errs = append(errs, err)
			}
			continue
		}

		ids := make([]string, len(members))
		for i, p := range members {
			ids[i] = p.ParticipantID
		}
		if len(ids) == m.ActiveParticipants && len(ids) == 0 {
			continue
		}
		if err := r.cfg.Store.SetParticipants(ctx, m.ID, ids); err != nil {
			errs = append(errs, err)
		}
	}
	return deleted, errors.Join(errs...)
}
