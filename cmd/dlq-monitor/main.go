package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

// NSQStats is the subset of the nsqd /stats payload the monitor reads.
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth        int64 `json:"depth"`
		MessageCount int64 `json:"message_count"`
	} `json:"topics"`
}

type monitor struct {
	nsqdHost string
	topic    string
	client   *http.Client
	logger   *logging.Logger

	// Dead letters not yet consumed by anyone: topic depth plus every channel depth.
	backlog         prometheus.Gauge
	published       prometheus.Gauge
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(nsqdHost, topic string, logger *logging.Logger) *monitor {
	return &monitor{
		nsqdHost: nsqdHost,
		topic:    topic,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_dead_letter_backlog",
			Help: "Dead letters waiting on the topic and its channels",
		}),
		published: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_dead_letter_published",
			Help: "Dead letters nsqd has accepted on the topic since it started",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_nsq_channel_depth",
			Help: "Depth of dead-letter channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_nsq_channel_inflight",
			Help: "In-flight dead letters by topic and channel",
		}, []string{"topic", "channel"}),
	}
}

func (m *monitor) register(reg prometheus.Registerer) {
	reg.MustRegister(m.backlog, m.published, m.channelDepth, m.channelInflight)
}

func (m *monitor) collect(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.update(ctx); err != nil {
			m.logger.Plain().WithError(err).Warn("Error updating dead-letter metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *monitor) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json&topic=%s", m.nsqdHost, m.topic), nil)
	if err != nil {
		return fmt.Errorf("failed to build NSQ stats request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	// A topic nsqd has never seen reports nothing; the backlog is then zero.
	var backlog, published int64
	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		backlog += topic.Depth
		published += topic.MessageCount
		for _, channel := range topic.Channels {
			backlog += channel.Depth
			m.channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
			m.channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
		}
	}
	m.backlog.Set(float64(backlog))
	m.published.Set(float64(published))
	return nil
}

func newRouter(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	return r
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("dlq-monitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := newMonitor(cfg.DeadLetter.NsqdHTTPAddr, cfg.DeadLetter.Topic, logger)
	reg := prometheus.NewRegistry()
	m.register(reg)

	logger.WithFields(map[string]any{
		"nsqd":     cfg.DeadLetter.NsqdHTTPAddr,
		"topic":    cfg.DeadLetter.Topic,
		"interval": cfg.DeadLetter.PollInterval.String(),
		"port":     cfg.DeadLetter.MonitorPort,
	}).Info("Dead-letter monitor starting")

	go m.collect(ctx, cfg.DeadLetter.PollInterval)

	srv := &http.Server{
		Addr:              cfg.DeadLetter.MonitorPort,
		Handler:           newRouter(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("Server failed")
	}
}
