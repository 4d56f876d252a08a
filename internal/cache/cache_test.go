package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTableMap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	cam := uuid.New()
	tbl := uuid.New()

	_, ok, err := m.GetTableMap(ctx, cam)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SetTableMap(ctx, cam, map[string]uuid.UUID{"0": tbl}))
	got, ok, err := m.GetTableMap(ctx, cam)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tbl, got["0"])

	require.NoError(t, m.InvalidateTableMap(ctx, cam))
	_, ok, err = m.GetTableMap(ctx, cam)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryRecencyExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	ctx := context.Background()
	w := uuid.New()

	require.NoError(t, m.MarkSeated(ctx, w, now, 5*time.Minute))

	at, ok, err := m.LastSeated(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now, at)

	now = now.Add(6 * time.Minute)
	_, ok, err = m.LastSeated(ctx, w)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisTableMap(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewRedis(client)
	ctx := context.Background()
	cam := uuid.New()
	tbl := uuid.New()

	payload, err := json.Marshal(map[string]uuid.UUID{"t1": tbl})
	require.NoError(t, err)

	mock.ExpectSet(tableMapKey(cam), payload, tableMapTTL).SetVal("OK")
	require.NoError(t, c.SetTableMap(ctx, cam, map[string]uuid.UUID{"t1": tbl}))

	mock.ExpectGet(tableMapKey(cam)).SetVal(string(payload))
	got, ok, err := c.GetTableMap(ctx, cam)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tbl, got["t1"])

	mock.ExpectDel(tableMapKey(cam)).SetVal(1)
	require.NoError(t, c.InvalidateTableMap(ctx, cam))

	require.NoError(t, mock.ExpectationsWereMet())
}
