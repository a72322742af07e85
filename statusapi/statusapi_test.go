package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bftkit/statetransfer/fetcher"
	"github.com/bftkit/statetransfer/provenance"
	"github.com/bftkit/statetransfer/resources"
	"github.com/bftkit/statetransfer/selector"
)

type fakeSource struct {
	snap  fetcher.Snapshot
	store *provenance.MemoryStore
}

func (f *fakeSource) Snapshot() fetcher.Snapshot { return f.snap }
func (f *fakeSource) Store() provenance.Store { return f.store }

func newTestServer(t *testing.T) (*Server, *fakeSource, []ulid.ULID) {
	t.Helper()
	src := &fakeSource{
		snap: fetcher.Snapshot{
			Self: 0,
			Selector: selector.Snapshot{
				CurrentReplica:    2,
				PreferredReplicas: "1, 2, 4",
			},
			SessionsCompleted: 3,
		},
		store: provenance.NewMemoryStore(0),
	}

	var ids []ulid.ULID
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := range 3 {
		id := ulid.MustNew(ulid.Timestamp(start)+uint64(i), nil)
		ids = append(ids, id)
		require.NoError(t, src.store.Record(context.Background(), provenance.Session{
			ID:         id,
			Started:    start,
			Completed:  start.Add(time.Second),
			FirstBlock: uint64(i * 10),
			LastBlock:  uint64(i*10 + 9),
			Sources:    []selector.ReplicaID{selector.ReplicaID(i + 1)},
		}))
	}
	return New(src, "127.0.0.1:0", nil), src, ids
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Selector struct {
			CurrentReplica    int    `json:"current_replica"`
			PreferredReplicas string `json:"preferred_replicas"`
		} `json:"selector"`
		SessionsCompleted int             `json:"sessions_completed"`
		Session           json.RawMessage `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Selector.CurrentReplica)
	assert.Equal(t, "1, 2, 4", body.Selector.PreferredReplicas)
	assert.Equal(t, 3, body.SessionsCompleted)
	assert.Nil(t, body.Session)
}

func TestSessions(t *testing.T) {
	s, _, ids := newTestServer(t)

	tests := []struct {
		name string
		path string
		code int
		want []ulid.ULID
	}{
		{name: "default_limit", path: "/sessions", code: http.StatusOK, want: []ulid.ULID{ids[2], ids[1], ids[0]}},
		{name: "limit", path: "/sessions?limit=2", code: http.StatusOK, want: []ulid.ULID{ids[2], ids[1]}},
		{name: "bad_limit", path: "/sessions?limit=x", code: http.StatusBadRequest},
		{name: "zero_limit", path: "/sessions?limit=0", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, s, tt.path)
			require.Equal(t, tt.code, rec.Code)
			if tt.code != http.StatusOK {
				return
			}
			var sessions []provenance.Session
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
			var got []ulid.ULID
			for _, sess := range sessions {
				got = append(got, sess.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSession(t *testing.T) {
	s, _, ids := newTestServer(t)

	rec := get(t, s, "/sessions/"+ids[1].String())
	require.Equal(t, http.StatusOK, rec.Code)
	var sess provenance.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, ids[1], sess.ID)
	assert.Equal(t, uint64(19), sess.LastBlock)
	assert.Equal(t, []selector.ReplicaID{2}, sess.Sources)

	rec = get(t, s, "/sessions/"+ulid.Make().String())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, s, "/sessions/not-a-ulid")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func postLoad(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/load", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestLoad(t *testing.T) {
	counters := &resources.Counters{}
	s := New(&fakeSource{store: provenance.NewMemoryStore(0)}, "127.0.0.1:0", nil, WithLoad(counters))

	rec := postLoad(t, s, `{"transactions": 120, "post_execution_utilization": 40, "pruning_avg_time_us": 1500}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = postLoad(t, s, `{"transactions": 30}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, uint64(150), counters.Measurement(resources.KindTransactionsAccumulated))
	assert.Equal(t, uint64(40), counters.Measurement(resources.KindPostExecutionUtilization))
	assert.Equal(t, uint64(0), counters.Measurement(resources.KindPruningUtilization))
	assert.Equal(t, uint64(1500), counters.Measurement(resources.KindPruningAvgTimeMicro))

	rec = postLoad(t, s, `{"transactions": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, uint64(150), counters.Measurement(resources.KindTransactionsAccumulated))
}

func TestLoadDisabled(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := postLoad(t, s, `{"transactions": 1}`)
	assert.NotEqual(t, http.StatusNoContent, rec.Code)
}

func TestRunShutdown(t *testing.T) {
	s, _, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
