package mqtt

import (
	"fmt"
	"time"
	"unicode/utf8"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/queue"
	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/shared"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Prometheus metrics
var (
	mqttTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtttopostgres_total",
			Help: "The total number of incoming MQTT messages",
		},
	)
	mqttDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtttopostgres_dropped",
			Help: "The number of MQTT messages dropped during decode",
		},
	)
	mqttConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqtttopostgres_up",
			Help: "Connection with MQTT broker",
		},
	)
)

// Config carries the broker session parameters.
type Config struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
	// MaxReconnectAttempts bounds the reconnect loop after a lost
	// connection; exhausting it is fatal.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

// Supervisor owns the broker session. It subscribes to the full topic space
// and hands every decodable message to the ingestion queue. The reconnect
// policy lives here, not in the paho client: attempts are bounded and
// exhaustion terminates the process, since there is no durability substitute
// for the live feed.
type Supervisor struct {
	client MQTT.Client
	cfg    Config
	queue  *queue.Queue
}

// NewSupervisor configures the broker session without connecting. The client
// id gets a random suffix so concurrently running instances never collide on
// the broker.
func NewSupervisor(cfg Config, q *queue.Queue) *Supervisor {
	s := &Supervisor{cfg: cfg, queue: q}

	clientID := cfg.ClientID + "-" + shared.RandomSuffix()
	brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	opts := MQTT.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(60 * time.Second)
	// Reconnects are handled by onConnectionLost so they stay bounded.
	opts.SetAutoReconnect(false)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)

	zap.S().Infof("MQTT connection configured: %s as %s", brokerURL, clientID)

	s.client = MQTT.NewClient(opts)
	return s
}

// Connect establishes the session, retrying up to the configured maximum.
// The subscription happens in the connect handler so it survives reconnects
// of a clean session.
func (s *Supervisor) Connect() error {
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		token := s.client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		zap.S().Errorf("Connect attempt %d of %d failed: %s", attempt, s.cfg.MaxReconnectAttempts, token.Error())
		if attempt < s.cfg.MaxReconnectAttempts {
			time.Sleep(s.cfg.ReconnectDelay)
		}
	}
	return fmt.Errorf("unable to connect to MQTT broker after %d attempts", s.cfg.MaxReconnectAttempts)
}

// onConnect subscribes to the full topic space. Required on every connect
// since the session is clean.
func (s *Supervisor) onConnect(c MQTT.Client) {
	optionsReader := c.OptionsReader()
	zap.S().Infof("Connected to MQTT broker as %s", optionsReader.ClientID())
	mqttConnected.Set(1)

	if token := c.Subscribe("#", 0, s.onMessage); token.Wait() && token.Error() != nil {
		zap.S().Fatalf("MQTT subscribe failed: %s", token.Error())
	}
	zap.S().Infof("MQTT subscribed to #")
}

// onConnectionLost runs the bounded reconnect loop. A successful reconnect
// resets the budget (the next disconnect starts a fresh loop); exhaustion is
// fatal.
func (s *Supervisor) onConnectionLost(c MQTT.Client, err error) {
	mqttConnected.Set(0)
	zap.S().Warnf("MQTT connection lost: %s. Reconnecting...", err)

	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		zap.S().Warnf("Attempting to reconnect, try %d of %d...", attempt, s.cfg.MaxReconnectAttempts)
		token := c.Connect()
		if token.Wait() && token.Error() == nil {
			zap.S().Infof("Reconnected successfully")
			return
		}
		zap.S().Errorf("Reconnect attempt %d failed: %s", attempt, token.Error())
		if attempt < s.cfg.MaxReconnectAttempts {
			time.Sleep(s.cfg.ReconnectDelay)
		}
	}

	zap.S().Fatalf("Max reconnect attempts reached. Exiting.")
}

// onMessage decodes and enqueues. It runs on the broker client's delivery
// goroutine and must never touch storage; a malformed message is logged and
// dropped without affecting the receive path.
func (s *Supervisor) onMessage(_ MQTT.Client, m MQTT.Message) {
	mqttTotal.Inc()

	now := time.Now()
	deviceID, attribute, err := shared.ResolveTopic(m.Topic())
	if err != nil {
		mqttDropped.Inc()
		zap.S().Warnf("Dropping message with unresolvable topic: %s", err)
		return
	}
	if !utf8.Valid(m.Payload()) {
		mqttDropped.Inc()
		zap.S().Warnf("Dropping message on %s: payload is not valid UTF-8", m.Topic())
		return
	}
	payload := string(m.Payload())

	serial := shared.Serial(now)
	s.queue.Enqueue(&shared.Message{
		Timestamp:   now,
		DeviceID:    deviceID,
		Attribute:   attribute,
		Topic:       m.Topic(),
		Payload:     payload,
		Fingerprint: shared.Fingerprint(m.Topic(), payload, serial),
	})
}

// HealthCheck reports readiness while the broker session is up.
func (s *Supervisor) HealthCheck() healthcheck.Check {
	return func() error {
		if s.client.IsConnected() {
			return nil
		}
		return fmt.Errorf("not connected")
	}
}

// Shutdown closes the MQTT connection, allowing 1s for in-flight work.
func (s *Supervisor) Shutdown() {
	s.client.Disconnect(1000)
	mqttConnected.Set(0)
}
