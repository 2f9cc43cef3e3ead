package queue

import (
	"time"

	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/shared"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var queueLength = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "mqtttopostgres_queue_length",
		Help: "The number of messages waiting for the storage writer",
	},
)

// Queue is the FIFO between the broker delivery goroutine and the storage
// writer. It is memory only: messages still queued at shutdown are lost,
// which the at-least-once delivery contract already accepts.
type Queue struct {
	messages chan *shared.Message
}

// New creates a queue with the given capacity. A full queue blocks the
// producer, which backpressures the broker client instead of growing
// without bound.
func New(capacity int) *Queue {
	return &Queue{
		messages: make(chan *shared.Message, capacity),
	}
}

// Enqueue adds a message to the back of the queue, blocking while full.
func (q *Queue) Enqueue(msg *shared.Message) {
	q.messages <- msg
}

// Dequeue removes the oldest message. It blocks for at most timeout and
// returns ok == false when no message arrived in time; the periodic wake
// keeps the consumer's heartbeat check live during quiet periods.
func (q *Queue) Dequeue(timeout time.Duration) (msg *shared.Message, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg = <-q.messages:
		return msg, true
	case <-timer.C:
		return nil, false
	}
}

// Length returns the number of queued messages.
func (q *Queue) Length() int {
	return len(q.messages)
}

// ReportLength logs and exports the queue length every 10 seconds. Run it on
// its own goroutine.
func (q *Queue) ReportLength() {
	for {
		length := q.Length()
		queueLength.Set(float64(length))
		zap.S().Infof("Current elements in queue: %d", length)
		time.Sleep(10 * time.Second)
	}
}
