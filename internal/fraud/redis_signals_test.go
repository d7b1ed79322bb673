package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func TestRedisSignalStoreAdd(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisSignalStore(client)

	o := Observation{ID: "evt_1", Label: "milestone.submitted", At: testNow}
	member, err := json.Marshal(o)
	require.NoError(t, err)
	key := "escrowd:fraud:user_1:action"

	mock.ExpectZAdd(key, redis.Z{Score: float64(testNow.UnixMilli()), Member: string(member)}).SetVal(1)
	mock.ExpectZRemRangeByScore(key, "-inf", "("+ms(testNow.Add(-SignalRetention))).SetVal(0)
	mock.ExpectExpire(key, SignalRetention).SetVal(true)

	require.NoError(t, store.Add(context.Background(), "user_1", KindAction, o))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSignalStoreAddError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisSignalStore(client)

	o := Observation{ID: "evt_1", At: testNow}
	member, _ := json.Marshal(o)
	mock.ExpectZAdd("escrowd:fraud:user_1:dispute", redis.Z{Score: float64(testNow.UnixMilli()), Member: string(member)}).
		SetErr(errors.New("connection refused"))

	err := store.Add(context.Background(), "user_1", KindDispute, o)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSignalStoreCount(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisSignalStore(client)
	since := testNow.Add(-10 * time.Minute)

	mock.ExpectZCount("escrowd:fraud:user_1:action", ms(since), "+inf").SetVal(7)

	n, err := store.Count(context.Background(), "user_1", KindAction, since)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSignalStoreSince(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisSignalStore(client)
	since := testNow.Add(-time.Hour)

	a, _ := json.Marshal(Observation{ID: "evt_1", Value: 100, At: testNow.Add(-30 * time.Minute)})
	b, _ := json.Marshal(Observation{ID: "evt_2", Value: 250.5, At: testNow})
	mock.ExpectZRangeByScore("escrowd:fraud:user_1:amount", &redis.ZRangeBy{Min: ms(since), Max: "+inf"}).
		SetVal([]string{string(a), "not-json", string(b)})

	obs, err := store.Since(context.Background(), "user_1", KindAmount, since)
	require.NoError(t, err)
	require.Len(t, obs, 2, "undecodable members are skipped")
	assert.Equal(t, "evt_1", obs[0].ID)
	assert.Equal(t, 250.5, obs[1].Value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSignalStoreCountError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisSignalStore(client)

	mock.ExpectZCount("escrowd:fraud:user_1:device", ms(testNow), "+inf").SetErr(redis.ErrClosed)

	_, err := store.Count(context.Background(), "user_1", KindDevice, testNow)
	assert.ErrorIs(t, err, redis.ErrClosed)
}

func TestMemorySignalStoreWindows(t *testing.T) {
	store := NewMemorySignalStore()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Add(ctx, "u1", KindAction, Observation{ID: id, At: testNow.Add(time.Duration(i) * time.Minute)}))
	}
	// Duplicate IDs are ignored.
	require.NoError(t, store.Add(ctx, "u1", KindAction, Observation{ID: "b", At: testNow.Add(time.Minute)}))

	n, err := store.Count(ctx, "u1", KindAction, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = store.Count(ctx, "u1", KindAction, testNow.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Count(ctx, "u2", KindAction, testNow)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Observations older than the retention period fall out.
	require.NoError(t, store.Add(ctx, "u1", KindAction, Observation{ID: "d", At: testNow.Add(SignalRetention + time.Hour)}))
	obs, err := store.Since(ctx, "u1", KindAction, time.Time{})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "d", obs[0].ID)
}
