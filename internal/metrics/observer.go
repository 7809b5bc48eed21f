package metrics

import (
	"time"

	"github.com/maauso/mediasqueeze/internal/job"
	"github.com/maauso/mediasqueeze/internal/mediaerr"
)

// operationObserver implements job.Observer using the Prometheus metrics
// declared in this package.
type operationObserver struct{}

// NewOperationObserver creates an observer that records media operation
// metrics into the counters and histograms declared in metrics.go.
func NewOperationObserver() job.Observer {
	return &operationObserver{}
}

func (o *operationObserver) ObserveOperation(op job.Operation, err error, elapsed time.Duration, inputBytes, outputBytes int) {
	name := string(op)
	OperationsTotal.WithLabelValues(name, Result(err)).Inc()
	OperationDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	OperationBytes.WithLabelValues(name, "in").Observe(float64(inputBytes))
	if err == nil {
		OperationBytes.WithLabelValues(name, "out").Observe(float64(outputBytes))
	}
}

// Result is the result label for an operation outcome.
func Result(err error) string {
	if err == nil {
		return "success"
	}
	if k := mediaerr.KindOf(err); k != 0 {
		return k.String()
	}
	return "error"
}
