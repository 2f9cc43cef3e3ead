package mqtt

import (
	"errors"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/helper"
	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/queue"
	"github.com/stretchr/testify/assert"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (f *fakeMessage) Duplicate() bool   { return false }
func (f *fakeMessage) Qos() byte         { return 0 }
func (f *fakeMessage) Retained() bool    { return false }
func (f *fakeMessage) Topic() string     { return f.topic }
func (f *fakeMessage) MessageID() uint16 { return 0 }
func (f *fakeMessage) Payload() []byte   { return f.payload }
func (f *fakeMessage) Ack()              {}

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// scriptedClient plays back one connect result per attempt. Attempts beyond
// the script succeed.
type scriptedClient struct {
	MQTT.Client
	connectResults []error
	attempts       int
}

func (c *scriptedClient) Connect() MQTT.Token {
	var err error
	if c.attempts < len(c.connectResults) {
		err = c.connectResults[c.attempts]
	}
	c.attempts++
	return &fakeToken{err: err}
}

func TestConnectFailsAfterMaxAttempts(t *testing.T) {
	helper.InitTestLogging()
	down := errors.New("connection refused")
	client := &scriptedClient{connectResults: []error{down, down, down, down}}
	s := &Supervisor{client: client, cfg: Config{MaxReconnectAttempts: 3}}

	err := s.Connect()
	assert.Error(t, err)
	assert.Equal(t, 3, client.attempts)
}

func TestConnectStopsRetryingOnSuccess(t *testing.T) {
	helper.InitTestLogging()
	down := errors.New("connection refused")
	client := &scriptedClient{connectResults: []error{down, down, nil}}
	s := &Supervisor{client: client, cfg: Config{MaxReconnectAttempts: 10}}

	err := s.Connect()
	assert.NoError(t, err)
	assert.Equal(t, 3, client.attempts)
}

func TestConnectionLostRecoveryStopsOnSuccess(t *testing.T) {
	helper.InitTestLogging()
	down := errors.New("connection refused")
	client := &scriptedClient{connectResults: []error{down, nil}}
	s := &Supervisor{cfg: Config{MaxReconnectAttempts: 5}}

	// A mid-loop success ends the recovery; the next disconnect gets a
	// fresh attempt budget.
	s.onConnectionLost(client, errors.New("broker went away"))
	assert.Equal(t, 2, client.attempts)

	client.connectResults = []error{nil}
	client.attempts = 0
	s.onConnectionLost(client, errors.New("broker went away"))
	assert.Equal(t, 1, client.attempts)
}

func TestOnMessageEnqueues(t *testing.T) {
	helper.InitTestLogging()
	q := queue.New(10)
	s := &Supervisor{queue: q}

	before := time.Now()
	s.onMessage(nil, &fakeMessage{topic: "feed/355772090123456/thing/batt", payload: []byte("87")})

	msg, ok := q.Dequeue(time.Second)
	assert.True(t, ok)
	assert.Equal(t, "355772090123456", msg.DeviceID)
	assert.Equal(t, "batt", msg.Attribute)
	assert.Equal(t, "feed/355772090123456/thing/batt", msg.Topic)
	assert.Equal(t, "87", msg.Payload)
	assert.Len(t, msg.Fingerprint, 40)
	assert.False(t, msg.Timestamp.Before(before))
}

func TestOnMessageDropsMalformedTopic(t *testing.T) {
	helper.InitTestLogging()
	q := queue.New(10)
	s := &Supervisor{queue: q}

	s.onMessage(nil, &fakeMessage{topic: "noslashes", payload: []byte("87")})
	s.onMessage(nil, &fakeMessage{topic: "feed/", payload: []byte("87")})

	assert.Equal(t, 0, q.Length())
}

func TestOnMessageDropsInvalidPayload(t *testing.T) {
	helper.InitTestLogging()
	q := queue.New(10)
	s := &Supervisor{queue: q}

	s.onMessage(nil, &fakeMessage{topic: "feed/355772090123456/batt", payload: []byte{0xff, 0xfe}})

	assert.Equal(t, 0, q.Length())
}

func TestOnMessageKeepsReceivePathAlive(t *testing.T) {
	helper.InitTestLogging()
	q := queue.New(10)
	s := &Supervisor{queue: q}

	// A malformed message between two valid ones only loses itself.
	s.onMessage(nil, &fakeMessage{topic: "feed/device-1/batt", payload: []byte("1")})
	s.onMessage(nil, &fakeMessage{topic: "broken", payload: []byte("2")})
	s.onMessage(nil, &fakeMessage{topic: "feed/device-2/batt", payload: []byte("3")})

	assert.Equal(t, 2, q.Length())
	first, _ := q.Dequeue(time.Second)
	second, _ := q.Dequeue(time.Second)
	assert.Equal(t, "device-1", first.DeviceID)
	assert.Equal(t, "device-2", second.DeviceID)
}
