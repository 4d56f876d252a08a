// Package cache holds the two hot lookups the pipeline and router lean on:
// the per-camera json-table-id -> table mapping, and per-waiter recency
// marks for the routing penalty. Redis-backed in production; an in-process
// implementation covers tests and single-node demo runs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache is the shared lookup surface.
type Cache interface {
	// Table maps are invalidated on crop-JSON install; a miss falls back
	// to the store.
	GetTableMap(ctx context.Context, cameraID uuid.UUID) (map[string]uuid.UUID, bool, error)
	SetTableMap(ctx context.Context, cameraID uuid.UUID, m map[string]uuid.UUID) error
	InvalidateTableMap(ctx context.Context, cameraID uuid.UUID) error

	// Recency marks expire after the restaurant's recency window.
	MarkSeated(ctx context.Context, waiterID uuid.UUID, at time.Time, window time.Duration) error
	LastSeated(ctx context.Context, waiterID uuid.UUID) (time.Time, bool, error)
}

func tableMapKey(cameraID uuid.UUID) string { return "cammap:" + cameraID.String() }
func recencyKey(waiterID uuid.UUID) string  { return "recency:" + waiterID.String() }

// tableMapTTL bounds staleness if an invalidation is ever missed.
const tableMapTTL = 24 * time.Hour

// Redis is the production cache.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis { return &Redis{client: client} }

var _ Cache = (*Redis)(nil)

func (r *Redis) GetTableMap(ctx context.Context, cameraID uuid.UUID) (map[string]uuid.UUID, bool, error) {
	data, err := r.client.Get(ctx, tableMapKey(cameraID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get table map: %w", err)
	}
	var m map[string]uuid.UUID
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("failed to decode table map: %w", err)
	}
	return m, true, nil
}

func (r *Redis) SetTableMap(ctx context.Context, cameraID uuid.UUID, m map[string]uuid.UUID) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode table map: %w", err)
	}
	if err := r.client.Set(ctx, tableMapKey(cameraID), data, tableMapTTL).Err(); err != nil {
		return fmt.Errorf("failed to set table map: %w", err)
	}
	return nil
}

func (r *Redis) InvalidateTableMap(ctx context.Context, cameraID uuid.UUID) error {
	if err := r.client.Del(ctx, tableMapKey(cameraID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate table map: %w", err)
	}
	return nil
}

func (r *Redis) MarkSeated(ctx context.Context, waiterID uuid.UUID, at time.Time, window time.Duration) error {
	if err := r.client.Set(ctx, recencyKey(waiterID), at.UTC().Format(time.RFC3339Nano), window).Err(); err != nil {
		return fmt.Errorf("failed to mark seated: %w", err)
	}
	return nil
}

func (r *Redis) LastSeated(ctx context.Context, waiterID uuid.UUID) (time.Time, bool, error) {
	val, err := r.client.Get(ctx, recencyKey(waiterID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get last seated: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse last seated: %w", err)
	}
	return at, true, nil
}

// Memory is the in-process fallback.
type Memory struct {
	mu       sync.Mutex
	Now      func() time.Time
	maps     map[uuid.UUID]map[string]uuid.UUID
	seated   map[uuid.UUID]time.Time
	deadline map[uuid.UUID]time.Time
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		Now:      time.Now,
		maps:     make(map[uuid.UUID]map[string]uuid.UUID),
		seated:   make(map[uuid.UUID]time.Time),
		deadline: make(map[uuid.UUID]time.Time),
	}
}

var _ Cache = (*Memory)(nil)

func (m *Memory) GetTableMap(_ context.Context, cameraID uuid.UUID) (map[string]uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cached, ok := m.maps[cameraID]
	if !ok {
		return nil, false, nil
	}
	out := make(map[string]uuid.UUID, len(cached))
	for k, v := range cached {
		out[k] = v
	}
	return out, true, nil
}

func (m *Memory) SetTableMap(_ context.Context, cameraID uuid.UUID, tm map[string]uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]uuid.UUID, len(tm))
	for k, v := range tm {
		cp[k] = v
	}
	m.maps[cameraID] = cp
	return nil
}

func (m *Memory) InvalidateTableMap(_ context.Context, cameraID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.maps, cameraID)
	return nil
}

func (m *Memory) MarkSeated(_ context.Context, waiterID uuid.UUID, at time.Time, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seated[waiterID] = at
	m.deadline[waiterID] = at.Add(window)
	return nil
}

func (m *Memory) LastSeated(_ context.Context, waiterID uuid.UUID) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.seated[waiterID]
	if !ok || m.Now().After(m.deadline[waiterID]) {
		return time.Time{}, false, nil
	}
	return at, true, nil
}
