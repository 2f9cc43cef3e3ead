package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/heartbeat"
	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/helper"
	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/mqtt"
	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/postgresql"
	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/queue"
	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/worker"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

func main() {
	helper.InitLogging()
	initPrometheus()

	zap.S().Infof("Starting mqtt-to-postgres")

	pgConfig := loadPostgresConfig()
	mqttConfig := loadMQTTConfig()

	pg, err := postgresql.New(context.Background(), pgConfig)
	if err != nil {
		zap.S().Fatalf("Failed to set up database: %s", err)
	}

	queueSize, err := env.GetAsInt("QUEUE_SIZE", false, 10000)
	if err != nil {
		zap.S().Fatalf("Failed to get QUEUE_SIZE from env: %s", err)
	}
	q := queue.New(queueSize)
	go q.ReportLength()

	hb := newHeartbeat()
	worker.New(q, pg, hb).Start()

	supervisor := mqtt.NewSupervisor(mqttConfig, q)
	if err = supervisor.Connect(); err != nil {
		zap.S().Fatalf("Failed to connect to MQTT broker: %s", err)
	}

	initHealthCheck(pg, supervisor)

	// Graceful shutdown on termination signals. The queue is not drained:
	// at-least-once delivery already covers the loss window.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs

	zap.S().Infof("Received signal %s. Stopping.", sig)
	supervisor.Shutdown()
	pg.Close()
	zap.S().Infof("Successful shutdown. Exiting.")
	os.Exit(0)
}

func loadPostgresConfig() postgresql.Config {
	host, err := env.GetAsString("POSTGRES_HOST", false, "db")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_HOST from env: %s", err)
	}
	port, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_PORT from env: %s", err)
	}
	user, err := env.GetAsString("POSTGRES_USER", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_USER from env: %s", err)
	}
	password, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_PASSWORD from env: %s", err)
	}
	database, err := env.GetAsString("POSTGRES_DATABASE", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_DATABASE from env: %s", err)
	}
	sslMode, err := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_SSL_MODE from env: %s", err)
	}
	environment, err := env.GetAsString("MQTT_ENV", false, "production")
	if err != nil {
		zap.S().Fatalf("Failed to get MQTT_ENV from env: %s", err)
	}
	dryRun, err := env.GetAsBool("DRY_RUN", false, false)
	if err != nil {
		zap.S().Fatalf("Failed to get DRY_RUN from env: %s", err)
	}
	cacheSize, err := env.GetAsInt("DEVICE_CACHE_SIZE", false, 1000)
	if err != nil {
		zap.S().Fatalf("Failed to get DEVICE_CACHE_SIZE from env: %s", err)
	}

	return postgresql.Config{
		Host:            host,
		Port:            port,
		User:            user,
		Password:        password,
		Database:        database,
		SSLMode:         sslMode,
		Environment:     environment,
		DryRun:          dryRun,
		DeviceCacheSize: cacheSize,
	}
}

func loadMQTTConfig() mqtt.Config {
	host, err := env.GetAsString("MQTT_HOST", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get MQTT_HOST from env: %s", err)
	}
	port, err := env.GetAsInt("MQTT_PORT", false, 1883)
	if err != nil {
		zap.S().Fatalf("Failed to get MQTT_PORT from env: %s", err)
	}
	clientID, err := env.GetAsString("MQTT_CLIENT_ID", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get MQTT_CLIENT_ID from env: %s", err)
	}
	username, err := env.GetAsString("MQTT_USERNAME", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get MQTT_USERNAME from env: %s", err)
	}
	password, err := env.GetAsString("MQTT_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get MQTT_PASSWORD from env: %s", err)
	}
	maxAttempts, err := env.GetAsInt("MQTT_MAX_RECONNECT_ATTEMPTS", false, 10)
	if err != nil {
		zap.S().Fatalf("Failed to get MQTT_MAX_RECONNECT_ATTEMPTS from env: %s", err)
	}
	delaySeconds, err := env.GetAsInt("MQTT_RECONNECT_DELAY_SECONDS", false, 5)
	if err != nil {
		zap.S().Fatalf("Failed to get MQTT_RECONNECT_DELAY_SECONDS from env: %s", err)
	}

	return mqtt.Config{
		Host:                 host,
		Port:                 port,
		ClientID:             clientID,
		Username:             username,
		Password:             password,
		MaxReconnectAttempts: maxAttempts,
		ReconnectDelay:       time.Duration(delaySeconds) * time.Second,
	}
}

func newHeartbeat() *heartbeat.Reporter {
	url, err := env.GetAsString("HEARTBEAT_URL", false, "")
	if err != nil {
		zap.S().Fatalf("Failed to get HEARTBEAT_URL from env: %s", err)
	}
	intervalSeconds, err := env.GetAsInt("HEARTBEAT_INTERVAL_SECONDS", false, 60)
	if err != nil {
		zap.S().Fatalf("Failed to get HEARTBEAT_INTERVAL_SECONDS from env: %s", err)
	}
	if url == "" {
		zap.S().Infof("No HEARTBEAT_URL configured, heartbeat reporting disabled")
	}
	return heartbeat.New(url, time.Duration(intervalSeconds)*time.Second)
}

func initPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func initHealthCheck(pg *postgresql.Connection, supervisor *mqtt.Supervisor) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	health.AddReadinessCheck("database", pg.HealthCheck())
	health.AddReadinessCheck("mqtt-check", supervisor.HealthCheck())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}
