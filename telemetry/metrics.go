package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Units follow the case-sensitive UCUM abbreviations.
const (
	unitDimensionless = "1"
	unitMilliseconds  = "ms"
)

func packageMeter(pkg string) metric.Meter {
	return otel.Meter(pkg, metric.WithInstrumentationAttributes(AttrPackageKey.String(pkg)))
}

// LatencyMeasure returns the histogram recording method latency for pkg.
func LatencyMeasure(pkg string) metric.Float64Histogram {
	m, err := packageMeter(pkg).Float64Histogram(
		pkg+"/latency",
		metric.WithDescription("Latency distribution of method calls"),
		metric.WithUnit(unitMilliseconds),
	)
	if err != nil {
		// only invalid instrument names fail here
		panic(fmt.Sprintf("pkg=%q: %v", pkg, err))
	}
	return m
}

// DimensionlessMeasure creates a counter named pkg+meterName.
func DimensionlessMeasure(pkg string, meterName string, description string) metric.Int64Counter {
	m, err := packageMeter(pkg).Int64Counter(
		pkg+meterName,
		metric.WithDescription(description),
		metric.WithUnit(unitDimensionless),
	)
	if err != nil {
		panic(fmt.Sprintf("pkg=%q meter=%q: %v", pkg, meterName, err))
	}
	return m
}

// WithStatus is the attribute option most counters are recorded with.
func WithStatus(err error) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(string(AttrStatusKey), ErrorCode(err)))
}
