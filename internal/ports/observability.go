package ports

// Observability emits metrics and logs about sweep throughput, segment
// latency, and arbitration events.
type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)
	SetGauge(name string, v float64)
}

// Field is a structured log field.
type Field struct {
	Key   string
	Value any
}
