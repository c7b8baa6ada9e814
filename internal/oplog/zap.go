package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/hearthbid/marketplace/pkg/market"
)

// ZapLogger adapts a zap.Logger to the market.OperationLogger contract.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wires a ZapLogger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// LogOperation writes one structured line per domain operation.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry market.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.AccountID != "" {
		fields = append(fields, zap.String("account_id", entry.AccountID))
	}
	if entry.ProjectID != "" {
		fields = append(fields, zap.String("project_id", entry.ProjectID))
	}
	if entry.BidID != "" {
		fields = append(fields, zap.String("bid_id", entry.BidID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("operation failed", fields...)
		return
	}
	zapLogger.logger.Info("operation", fields...)
}
