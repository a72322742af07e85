package mqtt

import (
	"context"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bftkit/statetransfer/selector"
	"github.com/bftkit/statetransfer/transport"
)

func TestTopics(t *testing.T) {
	topics := NewTopics("/devel/bcst/")

	assert.Equal(t, "/devel/bcst/replica/3/inbox", topics.Inbox(3))
	assert.Equal(t, "/devel/bcst/replica/3/status", topics.Status(3))
	assert.Equal(t, "/devel/bcst/replica/+/status", topics.StatusSubscription())

	id, kind, err := topics.ParseReplicaTopic("/devel/bcst/replica/12/inbox")
	require.NoError(t, err)
	assert.Equal(t, selector.ReplicaID(12), id)
	assert.Equal(t, "inbox", kind)

	for _, topic := range []string{
		"/prod/bcst/replica/12/inbox",
		"/devel/bcst/replica/12",
		"/devel/bcst/replica/x/inbox",
		"/devel/bcst/replica/65535/inbox",
		"/devel/bcst/other/1/inbox",
	} {
		_, _, err := topics.ParseReplicaTopic(topic)
		assert.Error(t, err, topic)
	}
}

type recorder struct {
	mu       sync.Mutex
	from     []selector.ReplicaID
	payloads [][]byte
	statuses map[selector.ReplicaID]transport.ConnectionStatus
}

func (r *recorder) OnNewMessage(from selector.ReplicaID, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.from = append(r.from, from)
	r.payloads = append(r.payloads, payload)
}

func (r *recorder) OnConnectionStatusChanged(id selector.ReplicaID, status transport.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = map[selector.ReplicaID]transport.ConnectionStatus{}
	}
	r.statuses[id] = status
}

func inboxMessage(topic, sender string, payload []byte) *paho.Publish {
	m := &paho.Publish{
		Topic:   topic,
		Payload: payload,
		Properties: &paho.PublishProperties{
			User: paho.UserProperties{},
		},
	}
	if sender != "" {
		m.Properties.User.Add(senderProperty, sender)
	}
	return m
}

func TestHandleInbox(t *testing.T) {
	tr := New(1, Config{Prefix: "/test"}, nil)
	rec := &recorder{}
	tr.SetReceiver(rec)

	tr.handle(inboxMessage(tr.Topics().Inbox(1), "4", []byte("block")))
	tr.handle(inboxMessage(tr.Topics().Inbox(1), "", []byte("anonymous")))
	tr.handle(inboxMessage("/elsewhere/replica/1/inbox", "4", []byte("stray")))

	require.Len(t, rec.from, 1)
	assert.Equal(t, selector.ReplicaID(4), rec.from[0])
	assert.Equal(t, "block", string(rec.payloads[0]))
}

func TestHandleStatus(t *testing.T) {
	tr := New(1, Config{Prefix: "/test"}, nil)
	rec := &recorder{}
	tr.SetReceiver(rec)

	assert.Equal(t, transport.StatusUnknown, tr.ConnectionStatus(2))

	online, err := StatusMessageJSON(2, true)
	require.NoError(t, err)
	tr.handle(&paho.Publish{Topic: tr.Topics().Status(2), Payload: online})
	assert.Equal(t, transport.StatusConnected, tr.ConnectionStatus(2))
	assert.Equal(t, transport.StatusConnected, rec.statuses[2])

	offline, err := StatusMessageJSON(2, false)
	require.NoError(t, err)
	tr.handle(&paho.Publish{Topic: tr.Topics().Status(2), Payload: offline})
	assert.Equal(t, transport.StatusDisconnected, tr.ConnectionStatus(2))
	assert.Equal(t, transport.StatusDisconnected, rec.statuses[2])

	// own status is ignored
	tr.handle(&paho.Publish{Topic: tr.Topics().Status(1), Payload: online})
	assert.Equal(t, transport.StatusUnknown, tr.ConnectionStatus(1))
}

func TestSendNotRunning(t *testing.T) {
	tr := New(1, Config{Prefix: "/test"}, nil)
	assert.False(t, tr.IsRunning())
	assert.ErrorIs(t, tr.Send(context.Background(), 2, []byte("x")), transport.ErrNotRunning)
	assert.NoError(t, tr.Stop(context.Background()))

	failed := tr.Broadcast(context.Background(), []selector.ReplicaID{2, 3}, []byte("x"))
	assert.Len(t, failed, 2)
}

func TestConfigDefaults(t *testing.T) {
	tr := New(1, Config{Host: "broker", Port: 8883, TLS: true}, nil)
	assert.Equal(t, 256*1024, tr.MaxMessageSize())

	u, err := tr.cfg.brokerURL()
	require.NoError(t, err)
	assert.Equal(t, "mqtts://broker:8883/", u.String())

	tlsConfig, err := (&Config{}).tlsConfig(nil)
	require.NoError(t, err)
	assert.Nil(t, tlsConfig)
}

func TestStatusMessageRoundTrip(t *testing.T) {
	data, err := StatusMessageJSON(7, true)
	require.NoError(t, err)
	sm, err := parseStatusMessage(data)
	require.NoError(t, err)
	assert.Equal(t, selector.ReplicaID(7), sm.Replica)
	assert.True(t, sm.Online)
}
