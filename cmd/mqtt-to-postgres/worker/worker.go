package worker

import (
	"context"
	"time"

	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/heartbeat"
	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/queue"
	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/shared"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var messagesWritten = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mqtttopostgres_written",
		Help: "The number of messages written to the database",
	},
)

// dequeueTimeout is the periodic wake that keeps the heartbeat check live
// when no traffic is flowing.
var dequeueTimeout = 5 * time.Second

// store is what the worker needs from the storage writer.
type store interface {
	ProcessMessage(ctx context.Context, msg *shared.Message) error
}

// Worker drains the ingestion queue on a single goroutine. That goroutine is
// the only one issuing SQL, which serializes schema-mutating DDL with the
// DML depending on it.
type Worker struct {
	queue     *queue.Queue
	postgres  store
	heartbeat *heartbeat.Reporter
}

func New(q *queue.Queue, postgres store, hb *heartbeat.Reporter) *Worker {
	return &Worker{
		queue:     q,
		postgres:  postgres,
		heartbeat: hb,
	}
}

// Start runs the drain loop on its own goroutine.
func (w *Worker) Start() {
	zap.S().Debugf("Started work loop")
	go func() {
		for {
			w.runOnce()
		}
	}()
}

// runOnce processes at most one message. A message once dequeued runs to
// completion; any storage error that survives the schema-evolution retry is
// fatal, because the queue has no durability to fall back on.
func (w *Worker) runOnce() {
	msg, ok := w.queue.Dequeue(dequeueTimeout)
	if ok {
		if err := w.postgres.ProcessMessage(context.Background(), msg); err != nil {
			zap.S().Fatalf("Error inserting/updating message from topic %s in database: %s", msg.Topic, err)
		}
		messagesWritten.Inc()
	}
	w.heartbeat.Check(time.Now())
}
