package telemetry

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Metrics is an in-process meter provider. Its manual reader is pulled on
// demand by the /api/metrics endpoint.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

// MetricPoint is one flattened data point.
type MetricPoint struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	Count      uint64            `json:"count,omitempty"` // histograms only
}

// NewMetrics creates a meter provider for serviceName. It is not installed
// globally until Install is called.
func NewMetrics(serviceName string) (*Metrics, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return &Metrics{provider: provider, reader: reader}, nil
}

// Install makes m the global meter provider.
func (m *Metrics) Install() {
	otel.SetMeterProvider(m.provider)
}

// Meter returns the meter relay instruments are created on.
func (m *Metrics) Meter() metric.Meter {
	return m.provider.Meter(MeterName)
}

// Snapshot collects every instrument and returns its points sorted by
// name, then by attributes.
func (m *Metrics) Snapshot(ctx context.Context) ([]MetricPoint, error) {
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	points := []MetricPoint{}
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			switch data := mt.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					points = append(points, MetricPoint{Name: mt.Name, Attributes: attrMap(dp.Attributes), Value: float64(dp.Value)})
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					points = append(points, MetricPoint{Name: mt.Name, Attributes: attrMap(dp.Attributes), Value: dp.Value})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					points = append(points, MetricPoint{Name: mt.Name, Attributes: attrMap(dp.Attributes), Value: dp.Sum, Count: dp.Count})
				}
			}
		}
	}

	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Name != points[j].Name {
			return points[i].Name < points[j].Name
		}
		return fmt.Sprint(points[i].Attributes) < fmt.Sprint(points[j].Attributes)
	})
	return points, nil
}

// Shutdown stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// Value sums the points named name whose attributes include every
// key/value in match.
func Value(points []MetricPoint, name string, match map[string]string) float64 {
	var total float64
	for _, p := range points {
		if p.Name != name {
			continue
		}
		ok := true
		for k, v := range match {
			if p.Attributes[k] != v {
				ok = false
				break
			}
		}
		if ok {
			total += p.Value
		}
	}
	return total
}

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}
