// Package mqtt carries replica-to-replica traffic over an MQTT v5 broker.
// Each replica subscribes to its own inbox topic and publishes retained
// online/offline status messages that the others use for connection
// status.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.ntppool.org/common/logger"

	"github.com/bftkit/statetransfer/selector"
	"github.com/bftkit/statetransfer/transport"
)

const senderProperty = "sender"

type Config struct {
	Host   string `name:"host" default:"localhost" env:"MQTT_HOST" help:"MQTT broker host"`
	Port   int    `name:"port" default:"1883" env:"MQTT_PORT" help:"MQTT broker port"`
	Prefix string `name:"prefix" default:"/bcst" env:"MQTT_PREFIX" help:"topic prefix shared by the cluster"`

	Username string `name:"username" env:"MQTT_USERNAME" help:"broker user name"`
	Password string `name:"password" env:"MQTT_PASSWORD" help:"broker password"`

	TLS      bool   `name:"tls" env:"MQTT_TLS" help:"connect with TLS"`
	CAFile   string `name:"ca" env:"MQTT_CA" help:"CA bundle for the broker certificate"`
	CertFile string `name:"cert" env:"MQTT_CERT" help:"client certificate"`
	KeyFile  string `name:"key" env:"MQTT_KEY" help:"client certificate key"`

	// MaxMessageSize bounds outgoing payloads; zero means 256KiB
	MaxMessageSize int `name:"max-message-size" env:"MQTT_MAX_MESSAGE_SIZE" help:"largest payload sent in one message"`

	// PublishTimeout bounds the retries of one Send; zero means 10s
	PublishTimeout time.Duration `name:"publish-timeout" env:"MQTT_PUBLISH_TIMEOUT" help:"retry budget for one message"`
}

func (c *Config) brokerURL() (*url.URL, error) {
	scheme := "mqtt"
	if c.TLS {
		scheme = "mqtts"
	}
	return url.Parse(fmt.Sprintf("%s://%s:%d/", scheme, c.Host, c.Port))
}

type Transport struct {
	self   selector.ReplicaID
	cfg    Config
	topics *Topics
	log    *slog.Logger

	receiver atomic.Pointer[transport.Receiver]

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc

	statusMu sync.RWMutex
	status   map[selector.ReplicaID]transport.ConnectionStatus
}

var _ transport.Communication = (*Transport)(nil)

func New(self selector.ReplicaID, cfg Config, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 256 * 1024
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	return &Transport{
		self:   self,
		cfg:    cfg,
		topics: NewTopics(cfg.Prefix),
		log:    log.WithGroup("mqtt"),
		status: map[selector.ReplicaID]transport.ConnectionStatus{},
	}
}

func (t *Transport) Topics() *Topics {
	return t.topics
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cm != nil {
		return nil
	}

	cmCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cm, err := t.setup(cmCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt: %w", err)
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		cancel()
		return fmt.Errorf("mqtt connection error: %w", err)
	}
	t.cm = cm
	t.cancel = cancel
	return nil
}

func (t *Transport) setup(ctx context.Context) (*autopaho.ConnectionManager, error) {
	log := t.log

	broker, err := t.cfg.brokerURL()
	if err != nil {
		return nil, err
	}
	tlsConfig, err := t.cfg.tlsConfig(log)
	if err != nil {
		return nil, err
	}

	clientID := fmt.Sprintf("bcst-replica-%d", t.self)
	statusChannel := t.topics.Status(t.self)

	log.InfoContext(ctx, "mqtt", "clientID", clientID, "broker", broker.String())

	publishOnlineMessage := func(cm *autopaho.ConnectionManager) {
		msg, err := StatusMessageJSON(t.self, true)
		if err != nil {
			log.Warn("mqtt status error", "err", err)
			return
		}
		log.Debug("sending mqtt status message", "topic", statusChannel)
		expireSeconds := uint32(86400)
		_, err = cm.Publish(ctx, &paho.Publish{
			Topic:   statusChannel,
			Payload: msg,
			QoS:     1,
			Retain:  true,
			Properties: &paho.PublishProperties{
				MessageExpiry: &expireSeconds,
			},
		})
		if err != nil {
			log.Warn("mqtt status publish error", "err", err)
		}
	}

	offlineMessage, err := StatusMessageJSON(t.self, false)
	if err != nil {
		return nil, fmt.Errorf("status message: %w", err)
	}

	mqttcfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{broker},
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		TlsCfg:                        tlsConfig,
		KeepAlive:                     30,

		ConnectUsername: t.cfg.Username,
		ConnectPassword: []byte(t.cfg.Password),

		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Info("mqtt connection up")

			suback, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: t.topics.Inbox(t.self), QoS: 1},
					{Topic: t.topics.StatusSubscription(), QoS: 1},
				},
			})
			if err != nil {
				if suback != nil && suback.Properties != nil {
					log.Error("mqtt subscribe error", "err", err, "reason", suback.Properties.ReasonString)
				} else {
					log.Error("mqtt subscribe error", "err", err)
				}
				return
			}
			log.Debug("mqtt subscription setup")

			publishOnlineMessage(cm)
		},
		OnConnectError: func(err error) {
			log.Error("mqtt connect", "err", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnClientError: func(err error) {
				log.Error("mqtt client error", "err", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					log.Error("mqtt server requested disconnect", "reason", d.Properties.ReasonString)
				} else {
					log.Error("mqtt server requested disconnect", "reasonCode", d.ReasonCode)
				}
			},
		},
	}

	mqttcfg.Router = paho.NewSingleHandlerRouter(t.handle)

	mqttcfg.WillMessage = &paho.WillMessage{
		Retain:  true,
		Topic:   statusChannel,
		Payload: offlineMessage,
	}
	mqttcfg.WillProperties = &paho.WillProperties{
		WillDelayInterval: paho.Uint32(5),
		MessageExpiry:     paho.Uint32(86400),
	}

	errlog := logger.NewStdLog("mqtt error", false, log)
	mqttcfg.Errors = errlog
	mqttcfg.PahoErrors = errlog

	return autopaho.NewConnection(ctx, mqttcfg)
}

func (t *Transport) handle(m *paho.Publish) {
	id, kind, err := t.topics.ParseReplicaTopic(m.Topic)
	if err != nil {
		t.log.Warn("mqtt message on unexpected topic", "err", err)
		return
	}

	switch kind {
	case "inbox":
		if m.Properties == nil {
			t.log.Warn("mqtt message without properties", "topic", m.Topic)
			return
		}
		from, err := parseReplicaID(m.Properties.User.Get(senderProperty))
		if err != nil {
			t.log.Warn("mqtt message without valid sender", "topic", m.Topic, "err", err)
			return
		}
		if r := t.receiver.Load(); r != nil {
			(*r).OnNewMessage(from, m.Payload)
		}

	case "status":
		if id == t.self {
			return
		}
		t.updateStatus(id, m.Payload)
	}
}

func (t *Transport) updateStatus(id selector.ReplicaID, payload []byte) {
	status := transport.StatusDisconnected
	sm, err := parseStatusMessage(payload)
	if err != nil {
		// an empty retained payload clears the status
		if len(payload) > 0 {
			t.log.Warn("could not parse status message", "replica", id, "err", err)
		}
	} else if sm.Online {
		status = transport.StatusConnected
	}

	t.statusMu.Lock()
	prev := t.status[id]
	t.status[id] = status
	t.statusMu.Unlock()

	if prev == status {
		return
	}
	t.log.Debug("replica status changed", "replica", id, "status", status)
	if r := t.receiver.Load(); r != nil {
		(*r).OnConnectionStatusChanged(id, status)
	}
}

func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cm, cancel := t.cm, t.cancel
	t.cm, t.cancel = nil, nil
	t.mu.Unlock()
	if cm == nil {
		return nil
	}
	defer cancel()

	// a clean disconnect doesn't trigger the will message
	if msg, err := StatusMessageJSON(t.self, false); err == nil {
		_, err := cm.Publish(ctx, &paho.Publish{
			Topic:   t.topics.Status(t.self),
			Payload: msg,
			QoS:     1,
			Retain:  true,
		})
		if err != nil {
			t.log.Warn("mqtt offline status publish error", "err", err)
		}
	}

	if err := cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}

// Restart drops the broker connection and connects again
func (t *Transport) Restart(ctx context.Context) error {
	t.log.InfoContext(ctx, "restarting communication")
	if err := t.Stop(ctx); err != nil {
		t.log.WarnContext(ctx, "stop before restart", "err", err)
	}
	return t.Start(ctx)
}

func (t *Transport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cm != nil
}

func (t *Transport) Send(ctx context.Context, dest selector.ReplicaID, payload []byte) error {
	t.mu.Lock()
	cm := t.cm
	t.mu.Unlock()
	if cm == nil {
		return transport.ErrNotRunning
	}
	if len(payload) > t.cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrTooLarge, len(payload))
	}
	if dest == selector.NoReplica {
		return fmt.Errorf("%w: %s", transport.ErrUnknownReplica, dest)
	}

	msg := &paho.Publish{
		Topic:   t.topics.Inbox(dest),
		Payload: payload,
		QoS:     1,
		Properties: &paho.PublishProperties{
			User: paho.UserProperties{},
		},
	}
	msg.Properties.User.Add(senderProperty, strconv.Itoa(int(t.self)))

	ctx, cancel := context.WithTimeout(ctx, t.cfg.PublishTimeout)
	defer cancel()

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 50 * time.Millisecond
	boff.MaxInterval = 2 * time.Second

	for {
		resp, err := cm.Publish(ctx, msg)
		if err == nil {
			if resp != nil && resp.ReasonCode >= 0x80 {
				return fmt.Errorf("mqtt publish to %s: reason code %d", dest, resp.ReasonCode)
			}
			return nil
		}
		t.log.DebugContext(ctx, "publish failed, will retry", "dest", dest, "err", err)

		wait := boff.NextBackOff()
		if wait == backoff.Stop {
			wait = boff.MaxInterval
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("mqtt publish to %s: %w", dest, err)
		case <-time.After(wait):
		}
	}
}

func (t *Transport) Broadcast(ctx context.Context, dests []selector.ReplicaID, payload []byte) map[selector.ReplicaID]error {
	return transport.SendEach(ctx, t, dests, payload)
}

func (t *Transport) SetReceiver(r transport.Receiver) {
	if r == nil {
		t.receiver.Store(nil)
		return
	}
	t.receiver.Store(&r)
}

func (t *Transport) ConnectionStatus(id selector.ReplicaID) transport.ConnectionStatus {
	t.statusMu.RLock()
	defer t.statusMu.RUnlock()
	return t.status[id]
}

func (t *Transport) MaxMessageSize() int {
	return t.cfg.MaxMessageSize
}
