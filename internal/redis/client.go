package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/call-orchestrator/config"
	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	presenceTTL = 24 * time.Hour
	recordTTL   = 7 * 24 * time.Hour
)

var (
	// ErrRoomFull is returned when a third participant tries to join.
	ErrRoomFull = errors.New("room is full")
	// ErrNotFound is returned when no record exists for a room.
	ErrNotFound = errors.New("not found")
)

// Store keeps relay state: who is in which call room, and the audit record
// of ended calls.
type Store struct {
	client *redis.Client
}

// Connect initializes the Redis client
func Connect(cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	if s != nil && s.client != nil {
		return s.client.Close()
	}
	return nil
}

func peersKey(roomID string) string { return "call:" + roomID + ":peers" }
func endedKey(roomID string) string { return "call:" + roomID + ":ended" }

// JoinRoom adds userID to roomID unless that would exceed limit participants.
func (s *Store) JoinRoom(ctx context.Context, roomID, userID string, limit int) error {
	key := peersKey(roomID)

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, userID)
		pipe.Expire(ctx, key, presenceTTL)
		card = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	if card.Val() > int64(limit) {
		s.client.SRem(ctx, key, userID)
		return ErrRoomFull
	}
	return nil
}

// LeaveRoom removes userID from roomID.
func (s *Store) LeaveRoom(ctx context.Context, roomID, userID string) error {
	return s.client.SRem(ctx, peersKey(roomID), userID).Err()
}

// Participants lists who is currently in roomID.
func (s *Store) Participants(ctx context.Context, roomID string) ([]string, error) {
	return s.client.SMembers(ctx, peersKey(roomID)).Result()
}

// SaveCallRecord stores the ended-call audit record.
func (s *Store) SaveCallRecord(ctx context.Context, rec models.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, endedKey(rec.RoomID), data, recordTTL).Err()
}

// CallRecord returns the ended-call record for roomID.
func (s *Store) CallRecord(ctx context.Context, roomID string) (*models.CallRecord, error) {
	data, err := s.client.Get(ctx, endedKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec models.CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse call record: %w", err)
	}
	return &rec, nil
}
