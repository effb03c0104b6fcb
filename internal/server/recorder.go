package server

import (
	"time"

	"github.com/nainya/catalogfed/internal/logger"
	"github.com/nainya/catalogfed/internal/metrics"
)

// OperationRecorder feeds catalog service timings into metrics and the log
type OperationRecorder struct {
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewOperationRecorder creates a recorder. Either sink may be nil.
func NewOperationRecorder(m *metrics.Metrics, log *logger.Logger) *OperationRecorder {
	return &OperationRecorder{metrics: m, log: log}
}

// Observe records one operation
func (r *OperationRecorder) Observe(op, catalogID string, d time.Duration, err error) {
	if r.metrics != nil {
		r.metrics.Observe(op, catalogID, d, err)
	}
	if r.log != nil {
		r.log.LogOperation(op, catalogID, d, err)
	}
}

// SetCatalogs records the registered catalog count
func (r *OperationRecorder) SetCatalogs(n int) {
	if r.metrics != nil {
		r.metrics.SetCatalogs(n)
	}
}
