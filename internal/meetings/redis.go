package meetings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

const (
	redisKeyPrefix = "aero:mesh:"
	redisIndexKey  = redisKeyPrefix + "meetings"
)

func meetingKey(id string) string  { return redisKeyPrefix + "meeting:" + id }
func presenceKey(id string) string { return redisKeyPrefix + "meeting:" + id + ":participants" }

// RedisStore keeps each meeting as a JSON string, a sorted set of ids scored
// by creation time and a set of present participant ids per meeting.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// Connect builds a RedisStore and checks the server answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	s := NewRedisStore(cfg)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return s, nil
}

func (s *RedisStore) Create(ctx context.Context, m Meeting) error {
	m.ActiveParticipants = 0
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, meetingKey(m.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store meeting: %w", err)
	}
	if !ok {
		return errors.New("meeting already exists")
	}
	if err := s.client.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(m.CreatedAt.UnixMilli()), Member: m.ID}).Err(); err != nil {
		return fmt.Errorf("index meeting: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Meeting, error) {
	data, err := s.client.Get(ctx, meetingKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Meeting{}, ErrNotFound
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("load meeting: %w", err)
	}
	var m Meeting
	if err := json.Unmarshal(data, &m); err != nil {
		return Meeting{}, fmt.Errorf("decode meeting %s: %w", id, err)
	}
	n, err := s.client.SCard(ctx, presenceKey(id)).Result()
	if err != nil {
		return Meeting{}, fmt.Errorf("count participants: %w", err)
	}
	m.ActiveParticipants = int(n)
	return m, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Meeting, error) {
	ids, err := s.client.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	out := make([]Meeting, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Index entry outlived its record.
			s.client.ZRem(ctx, redisIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sortByCreated(out)
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, meetingKey(id))
		p.Del(ctx, presenceKey(id))
		p.ZRem(ctx, redisIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete meeting: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) AddParticipant(ctx context.Context, meetingID, participantID string) error {
	exists, err := s.client.Exists(ctx, meetingKey(meetingID)).Result()
	if err != nil {
		return fmt.Errorf("check meeting: %w", err)
	}
	if exists == 0 {
		return nil
	}
	return s.client.SAdd(ctx, presenceKey(meetingID), participantID).Err()
}

func (s *RedisStore) RemoveParticipant(ctx context.Context, meetingID, participantID string) error {
	return s.client.SRem(ctx, presenceKey(meetingID), participantID).Err()
}

func (s *RedisStore) SetParticipants(ctx context.Context, meetingID string, participantIDs []string) error {
	exists, err := s.client.Exists(ctx, meetingKey(meetingID)).Result()
	if err != nil {
		return fmt.Errorf("check meeting: %w", err)
	}
	if exists == 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		key := presenceKey(meetingID)
		p.Del(ctx, key)
		if len(participantIDs) > 0 {
			members := make([]any, len(participantIDs))
			for i, id := range participantIDs {
				members[i] = id
			}
			p.SAdd(ctx, key, members...)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
