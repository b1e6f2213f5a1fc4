package calendar_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capsched/internal/calendar"
	"capsched/internal/model"
	"capsched/internal/scheduler"
	"capsched/internal/store"
)

func newService(t *testing.T, mr *miniredis.Miniredis, st store.EventStore) *scheduler.Service {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc, err := scheduler.New(scheduler.Options{
		Store:     st,
		Calendars: calendar.New(calendar.NewRedisBackendWithClient(client, "capsched", time.Hour), nil),
	})
	require.NoError(t, err)
	return svc
}

func lecture(id string, start time.Time) model.Event {
	return model.Event{
		ID:       id,
		Metadata: model.Metadata{Title: id, Device: "room1"},
		Start:    start,
		End:      start.Add(time.Hour),
	}
}

func TestCalendarSeesMutationFromAnotherInstance(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	st := store.NewMemoryStore()
	daemon := newService(t, mr, st)
	other := newService(t, mr, st)

	t0 := time.Date(2030, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err := daemon.AddEvent(ctx, lecture("first", t0))
	require.NoError(t, err)

	text, err := daemon.GetCalendarForCaptureAgent(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(text, "BEGIN:VEVENT"))

	before := daemon.LastModified()
	_, err = other.AddEvent(ctx, lecture("second", t0.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.True(t, daemon.LastModified().After(before))

	text, err = daemon.GetCalendarForCaptureAgent(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(text, "BEGIN:VEVENT"))

	events, err := daemon.GetUpcomingEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
