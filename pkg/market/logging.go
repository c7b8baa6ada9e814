package market

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing marketplace operation.
type OperationLog struct {
	Operation string
	AccountID string
	ProjectID string
	BidID     string
	Amount    int64
	Reason    string
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIDGenerator overrides the id source, mainly for tests.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		service.idFn = generate
	}
}
