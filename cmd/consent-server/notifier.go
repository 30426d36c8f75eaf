package main

import (
	"go.uber.org/zap"

	"github.com/qrhealth/consent-core/internal/config"
	"github.com/qrhealth/consent-core/internal/metrics"
	"github.com/qrhealth/consent-core/internal/notify"
)

// notifier is the async delivery queue in front of the configured transport.
type notifier struct {
	*notify.Async
	transport interface{ Close() error }
}

func newNotifier(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*notifier, error) {
	n := &notifier{}
	var next notify.Sender = notify.LogSender{Log: log}
	if cfg.AMQPURL != "" {
		s, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		next, n.transport = s, s
	} else {
		log.Warn("AMQP_URL not set, notifications are only logged")
	}
	n.Async = notify.NewAsync(next, cfg.NotifyWorkers, cfg.NotifyQueue, log, notify.WithMetrics(m))
	return n, nil
}

// Close drains the queue, then closes the transport.
func (n *notifier) Close() {
	n.Async.Close()
	if n.transport != nil {
		_ = n.transport.Close()
	}
}

var _ notify.Sender = (*notifier)(nil)
