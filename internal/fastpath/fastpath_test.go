package fastpath

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtopus/fluxos/internal/events"
	"github.com/fluxtopus/fluxos/internal/store"
	"github.com/fluxtopus/fluxos/internal/store/redisstore"
	"github.com/fluxtopus/fluxos/internal/task"
)

type fakeQuery struct {
	records []Record
	err     error
	queries int
}

func (f *fakeQuery) Query(_ context.Context, _, _ string, _ map[string]any, _ string, _ int) ([]Record, error) {
	f.queries++
	return f.records, f.err
}

func (f *fakeQuery) Search(_ context.Context, _, _, _ string, _ int) ([]Record, error) {
	f.queries++
	return f.records, f.err
}

func newFastpathEnv(t *testing.T, q Query) (*Shortcut, *store.Dual, *store.Memory) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	durable := store.NewMemory()
	dual := store.NewDual(redisstore.New(client), durable)
	return New(dual, q, WithObjectTypes("contact", "deal")), dual, durable
}

func retrievalRequest() Request {
	return Request{
		Goal:           "list all contacts in berlin",
		UserID:         "user-1",
		OrganizationID: "org-1",
		Intent: Intent{
			Category:   CategoryDataRetrieval,
			ObjectType: "contact",
			Where:      map[string]any{"city": "berlin"},
		},
	}
}

func TestShortcutHandlesRetrievalGoal(t *testing.T) {
	q := &fakeQuery{records: []Record{
		json.RawMessage(`{"id":"c1","city":"berlin"}`),
		json.RawMessage(`{"id":"c2","city":"hamburg"}`),
	}}
	s, dual, durable := newFastpathEnv(t, q)
	ctx := context.Background()

	out := s.Try(ctx, retrievalRequest())
	require.True(t, out.Handled)
	require.NotNil(t, out.Task)
	// The where clause filtered out the hamburg record.
	assert.Len(t, out.Records, 1)

	got, err := dual.GetTask(ctx, out.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, task.StepDone, got.Steps[0].Status)
	assert.Equal(t, true, got.Metadata[task.MetaFastPath])

	// Both stores carry the record.
	fromDurable, err := durable.GetTask(ctx, out.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, fromDurable.Status)

	log := durable.EventLog()
	require.Len(t, log, 1)
	assert.Equal(t, events.EventTaskCompleted, log[0].Type)
	assert.Equal(t, "org-1", log[0].OrganizationID())
}

func TestShortcutRejectsComplexVerbs(t *testing.T) {
	s, _, _ := newFastpathEnv(t, &fakeQuery{})

	for _, goal := range []string{
		"summarize all contacts",
		"analyze the deal pipeline",
		"compare q1 and q2 revenue",
		"create a report of contacts",
		"research competitors",
		"generate an outreach list",
	} {
		req := retrievalRequest()
		req.Goal = goal
		assert.False(t, s.Try(context.Background(), req).Handled, "goal %q must not be eligible", goal)
	}

	// Complex verbs hide in step descriptions too.
	req := retrievalRequest()
	req.Intent.StepDescriptions = []string{"fetch contacts", "summarize the results"}
	assert.False(t, s.Try(context.Background(), req).Handled)
}

func TestShortcutWordBoundaries(t *testing.T) {
	q := &fakeQuery{records: nil}
	s, _, _ := newFastpathEnv(t, q)

	// "created_at" and "generated" are not the verbs "create"/"generate".
	req := retrievalRequest()
	req.Goal = "list contacts sorted by created_at with generated ids"
	assert.True(t, s.Try(context.Background(), req).Handled)
}

func TestShortcutRejectsWrongIntent(t *testing.T) {
	s, _, _ := newFastpathEnv(t, &fakeQuery{})

	req := retrievalRequest()
	req.Intent.Category = "automation"
	assert.False(t, s.Try(context.Background(), req).Handled)

	req = retrievalRequest()
	req.Intent.ObjectType = ""
	assert.False(t, s.Try(context.Background(), req).Handled)

	req = retrievalRequest()
	req.Intent.ObjectType = "invoice"
	assert.False(t, s.Try(context.Background(), req).Handled)
}

func TestShortcutQueryErrorFallsBackSilently(t *testing.T) {
	q := &fakeQuery{err: fmt.Errorf("search backend down")}
	s, _, durable := newFastpathEnv(t, q)

	out := s.Try(context.Background(), retrievalRequest())
	assert.False(t, out.Handled)
	assert.Nil(t, out.Task)
	// No task record and no event: the failure stays invisible.
	assert.Empty(t, durable.EventLog())
}

func TestShortcutUsesSearchWhenTextGiven(t *testing.T) {
	q := &fakeQuery{records: []Record{json.RawMessage(`{"id":"c1"}`)}}
	s, _, _ := newFastpathEnv(t, q)

	req := retrievalRequest()
	req.Intent.Where = nil
	req.Intent.SearchText = "acme gmbh"
	out := s.Try(context.Background(), req)
	require.True(t, out.Handled)
	assert.Len(t, out.Records, 1)
}

func TestFilterWhere(t *testing.T) {
	records := []Record{
		json.RawMessage(`{"id":"1","stage":"won","owner":{"id":"u1"},"amount":100}`),
		json.RawMessage(`{"id":"2","stage":"won","owner":{"id":"u2"},"amount":250}`),
		json.RawMessage(`{"id":"3","stage":"lost","owner":{"id":"u1"}}`),
	}

	got := FilterWhere(records, map[string]any{"stage": "won", "owner.id": "u1"})
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"id":"1","stage":"won","owner":{"id":"u1"},"amount":100}`, string(got[0]))

	// Numeric comparison tolerates Go ints against JSON numbers.
	got = FilterWhere(records, map[string]any{"amount": 250})
	require.Len(t, got, 1)

	// Missing keys never match.
	got = FilterWhere(records, map[string]any{"amount": 0})
	assert.Empty(t, got)
}
