package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"talecast/internal/ledger"
	"talecast/pkg/config"
	"talecast/pkg/kafka"
	"talecast/pkg/logging"
	"talecast/pkg/models"
)

// JobManager runs the service's background work: the usage-report consumer,
// the expiry sweeper and the reconciliation loop.
type JobManager struct {
	logger        logging.Logger
	engine        *ledger.Engine
	kafkaConsumer *kafka.Consumer
	usageTopic    string
	stopCh        chan struct{}
}

// NewJobManager creates a new job manager
func NewJobManager(log logging.Logger, eng *ledger.Engine) *JobManager {
	jm := &JobManager{
		logger:     log,
		engine:     eng,
		usageTopic: config.GetEnv("KAFKA_USAGE_TOPIC", "billing.usage_reports"),
		stopCh:     make(chan struct{}),
	}

	// Kafka is optional; the HTTP consume endpoint covers deployments that
	// report usage synchronously.
	brokers := config.GetEnv("KAFKA_BROKERS", "")
	if brokers != "" {
		consumer, err := kafka.NewConsumer(
			strings.Split(brokers, ","),
			config.GetEnv("KAFKA_GROUP_ID", "bursar-usage"),
			config.GetEnv("KAFKA_CLUSTER_ID", "default"),
			config.GetEnv("KAFKA_CLIENT_ID", "bursar"),
			log,
		)
		if err != nil {
			log.WithError(err).Error("Failed to create Kafka consumer, usage reports disabled")
		} else {
			jm.kafkaConsumer = consumer
		}
	}

	return jm
}

// Start launches the background jobs
func (jm *JobManager) Start(ctx context.Context) {
	if jm.kafkaConsumer != nil {
		jm.kafkaConsumer.AddHandler(jm.usageTopic, jm.handleUsageReport)
		go func() {
			if err := jm.kafkaConsumer.Start(ctx); err != nil {
				jm.logger.WithError(err).Error("Kafka consumer stopped")
			}
		}()
		jm.logger.WithField("topic", jm.usageTopic).Info("Usage report consumer started")
	}

	go jm.runExpirySweep(ctx, config.GetEnvDuration("SWEEP_INTERVAL", time.Hour))
	go jm.runReconciliation(ctx, config.GetEnvDuration("RECONCILE_INTERVAL", 15*time.Minute))
}

// Stop shuts down the background jobs
func (jm *JobManager) Stop() {
	if jm.kafkaConsumer != nil {
		if err := jm.kafkaConsumer.Close(); err != nil {
			jm.logger.WithError(err).Warn("Failed to close Kafka consumer")
		}
	}
	close(jm.stopCh)
}

// handleUsageReport consumes one usage report and deducts the tokens it
// reports. Returning nil commits the offset; returning an error leaves the
// message for redelivery, so only transient failures propagate.
func (jm *JobManager) handleUsageReport(ctx context.Context, msg kafka.Message) error {
	var report models.UsageReport
	if err := json.Unmarshal(msg.Value, &report); err != nil {
		jm.logger.WithError(err).WithField("topic", msg.Topic).Warn("Skipping malformed usage report")
		recordUsageReport("malformed")
		return nil
	}

	if report.OwnerID == "" || report.RequestID == "" || report.Tokens <= 0 {
		jm.logger.WithFields(logging.Fields{
			"owner_id":   report.OwnerID,
			"request_id": report.RequestID,
			"tokens":     report.Tokens,
		}).Warn("Skipping incomplete usage report")
		recordUsageReport("malformed")
		return nil
	}

	_, err := jm.engine.Consume(ctx, report.OwnerID, report.Tokens, report.RequestID)
	switch {
	case err == nil:
		recordUsageReport("consumed")
		return nil
	case errors.Is(err, ledger.ErrInsufficientBalance):
		// Deliberate commit: retrying cannot make the balance appear, and
		// enforcement happens upstream at request admission.
		jm.logger.WithFields(logging.Fields{
			"owner_id":   report.OwnerID,
			"request_id": report.RequestID,
			"tokens":     report.Tokens,
		}).Warn("Usage report exceeds balance, recording as unbilled")
		recordUsageReport("insufficient_balance")
		return nil
	default:
		recordUsageReport("retry")
		return err
	}
}

func (jm *JobManager) runExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			result, err := jm.engine.Sweep(ctx, time.Now())
			if err != nil {
				jm.logger.WithError(err).Error("Expiry sweep failed")
				continue
			}
			if metrics != nil && metrics.SweepRuns != nil {
				metrics.SweepRuns.Inc()
			}
			if result.OwnersSkipped > 0 {
				jm.logger.WithField("owners_skipped", result.OwnersSkipped).Warn("Expiry sweep skipped busy owners, will retry next run")
			}
		}
	}
}

func (jm *JobManager) runReconciliation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			corrected, err := jm.engine.ReconcileAll(ctx)
			if err != nil {
				jm.logger.WithError(err).Error("Reconciliation run failed")
				continue
			}
			if metrics != nil {
				if metrics.ReconcileRuns != nil {
					metrics.ReconcileRuns.Inc()
				}
				if metrics.ReconcileCorrects != nil {
					metrics.ReconcileCorrects.Add(float64(len(corrected)))
				}
			}
		}
	}
}

func recordUsageReport(outcome string) {
	if metrics == nil || metrics.UsageReports == nil {
		return
	}
	metrics.UsageReports.WithLabelValues(outcome).Inc()
}
