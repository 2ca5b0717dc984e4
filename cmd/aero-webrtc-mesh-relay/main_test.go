package main

import (
	"context"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meetings"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

type nopMember struct{}

func (nopMember) Send(signaling.Message) error { return nil }
func (nopMember) Replaced()                    {}

func TestRoomGaugesFollowCoordinator(t *testing.T) {
	rooms := coordinator.New(coordinator.Config{})
	t.Cleanup(rooms.Close)
	gauges := roomGauges(rooms)
	if len(gauges) != 2 {
		t.Fatalf("gauges=%d, want 2", len(gauges))
	}

	rooms.Join("a", signaling.Participant{ParticipantID: "alice"}, nopMember{})
	rooms.Join("a", signaling.Participant{ParticipantID: "bob"}, nopMember{})
	rooms.Join("b", signaling.Participant{ParticipantID: "carol"}, nopMember{})

	if got := gauges[0].Value(); got != 2 {
		t.Fatalf("%s=%v, want 2", gauges[0].Name, got)
	}
	if got := gauges[1].Value(); got != 3 {
		t.Fatalf("%s=%v, want 3", gauges[1].Name, got)
	}
}

func TestOpenMeetingStoreDefaultsToMemory(t *testing.T) {
	store, err := openMeetingStore(context.Background(), config.Config{})
	if err != nil {
		t.Fatalf("openMeetingStore: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*meetings.MemoryStore); !ok {
		t.Fatalf("store=%T, want *meetings.MemoryStore", store)
	}
	if got := meetingStoreKind(config.Config{Redis: config.RedisConfig{Addr: "r:6379"}}); got != "redis" {
		t.Fatalf("kind=%q", got)
	}
}
