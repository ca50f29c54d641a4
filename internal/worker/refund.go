package worker

import (
	"context"

	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/pkg/metrics"
)

// refund returns a failed job's credits. The ledger makes it idempotent, so
// it is also safe on redelivery of a message whose job already FAILED.
func refund(ctx context.Context, l Refunder, m *metrics.Metrics, log *logger.Logger, userID, jobID string, cost int) error {
	if cost <= 0 || l == nil {
		return nil
	}
	done, err := l.Refund(ctx, userID, jobID, cost)
	if err != nil {
		log.Error("refund failed", "cost", cost, "error", err.Error())
		return err
	}
	if done {
		m.ObserveRefund(cost)
		log.Info("credits refunded", "cost", cost)
	}
	return nil
}
