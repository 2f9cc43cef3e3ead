package heartbeat

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/helper"
	"github.com/stretchr/testify/assert"
)

func TestCheckThrottles(t *testing.T) {
	helper.InitTestLogging()
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	r := New(server.URL, time.Minute)
	start := time.Now()
	r.last = start

	// Within the interval: nothing is sent, no matter how many messages.
	for i := 0; i < 100; i++ {
		r.Check(start.Add(30 * time.Second))
	}
	assert.Equal(t, int64(0), calls.Load())

	// Once the interval elapses exactly one heartbeat goes out.
	r.Check(start.Add(61 * time.Second))
	assert.Equal(t, int64(1), calls.Load())

	// The gate has advanced, the next qualifying call is an interval later.
	r.Check(start.Add(90 * time.Second))
	assert.Equal(t, int64(1), calls.Load())
	r.Check(start.Add(122 * time.Second))
	assert.Equal(t, int64(2), calls.Load())
}

func TestCheckFailureIsNotFatal(t *testing.T) {
	helper.InitTestLogging()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r := New(server.URL, time.Minute)
	start := time.Now()
	r.last = start

	// A 500 is logged and swallowed.
	r.Check(start.Add(2 * time.Minute))

	// So is a connection failure.
	server.Close()
	r.Check(start.Add(4 * time.Minute))
}

func TestEmptyURLDisables(t *testing.T) {
	helper.InitTestLogging()
	r := New("", time.Minute)
	r.Check(time.Now().Add(time.Hour))
}
