package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterCollectorsIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCollectors(reg)
	RegisterCollectors(reg)

	CacheLookups.WithLabelValues("hit").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var hits float64
	for _, family := range families {
		if family.GetName() != "lexdraft_ai_cache_lookups_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "result" && label.GetValue() == "hit" {
					hits = metric.GetCounter().GetValue()
				}
			}
		}
	}
	if hits < 1 {
		t.Fatalf("hit counter = %v, want >= 1", hits)
	}
}
