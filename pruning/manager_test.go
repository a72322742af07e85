package pruning

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bftkit/statetransfer/resources"
)

type sentRequest struct {
	flags   uint64
	payload []byte
	cid     string
}

type fakeClient struct {
	id  uint16
	err error

	mu   sync.Mutex
	sent []sentRequest
}

func (c *fakeClient) ClientID() uint16 { return c.id }

func (c *fakeClient) SendRequest(ctx context.Context, flags uint64, payload []byte, cid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentRequest{flags: flags, payload: payload, cid: cid})
	return c.err
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fixedInfo struct {
	info resources.PruneInfo
}

func (f fixedInfo) PruneInfo() resources.PruneInfo { return f.info }

func newTestManager(t *testing.T, interval time.Duration) (*Manager, *Ed25519Signer) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := NewEd25519Signer(key)
	m := New(
		Config{ReplicaID: 0, NumReplicas: 4, Interval: interval},
		fixedInfo{resources.PruneInfo{BlocksPerSecond: 21, BatchSize: 1}},
		signer, nil, nil,
	)
	return m, signer
}

func TestNotifyReplicas(t *testing.T) {
	m, signer := newTestManager(t, time.Second)
	cl := &fakeClient{id: 7}
	m.client = cl

	require.NoError(t, m.notifyReplicas(context.Background(), 21, 1))
	require.Equal(t, 1, cl.count())

	sent := cl.sent[0]
	assert.Equal(t, RequestCID, sent.cid)
	assert.Equal(t, uint64(0), sent.flags)

	req, err := DecodeRequest(sent.payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), req.Sender)
	assert.Equal(t, uint16(7), req.Command.SenderID)
	assert.Equal(t, uint32(1), req.Command.TickPeriodSeconds)
	assert.Equal(t, uint64(5), req.Command.BatchBlocksNum, "21 blocks/s over 4 replicas")
	assert.NoError(t, req.Verify(signer.Public()))

	req.Command.BatchBlocksNum = 500
	assert.ErrorIs(t, req.Verify(signer.Public()), ErrBadSignature)
}

func TestNotifyReplicasWithoutClient(t *testing.T) {
	m, _ := newTestManager(t, time.Second)
	assert.ErrorIs(t, m.notifyReplicas(context.Background(), 10, 1), ErrNoClient)
}

func TestNotifyReplicasSendError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _ := newTestManager(t, time.Second)
	m.metrics = NewMetrics(reg)
	m.client = &fakeClient{id: 1, err: errors.New("queue full")}

	assert.Error(t, m.notifyReplicas(context.Background(), 10, 1))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.metrics.Requests.WithLabelValues("error")))
}

func TestStartRequiresClient(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, _ := newTestManager(t, time.Second)
	m.Start(context.Background())
	assert.False(t, m.IsRunning())
	m.Stop()
}

func TestLoopOnlyRunsWhenAdaptiveAndPrimary(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, _ := newTestManager(t, 10*time.Millisecond)
	cl := &fakeClient{id: 2}
	m.InitClient(context.Background(), cl)
	require.True(t, m.IsRunning())
	defer m.Stop()

	m.SetMode(ModeAdaptive)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, cl.count(), "not primary")

	m.SetPrimary(true)
	require.Eventually(t, func() bool { return cl.count() >= 3 }, time.Second, time.Millisecond)

	m.SetMode(ModeLegacy)
	// let an in-flight iteration finish
	time.Sleep(30 * time.Millisecond)
	n := cl.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, cl.count(), "legacy mode stops notifications")

	m.Stop()
	assert.False(t, m.IsRunning())
}

func TestSignerRejectsBadKey(t *testing.T) {
	s := NewEd25519Signer(ed25519.PrivateKey{1, 2, 3})
	_, err := s.Sign([]byte("digest"))
	assert.Error(t, err)

	_, err = NewSignedRequest(1, PruneTicksChangeRequest{}, s)
	assert.Error(t, err)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "legacy", ModeLegacy.String())
	assert.Equal(t, "adaptive", ModeAdaptive.String())
}
