package wasm

import "testing"

func TestExtractMetricStrategies(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		metric string
		want   interface{}
		found  bool
	}{
		{
			name:   "top-level field",
			raw:    `{"counter": 5}`,
			metric: "counter",
			want:   float64(5),
			found:  true,
		},
		{
			name:   "nested under data",
			raw:    `{"data": {"counter": 5}}`,
			metric: "counter",
			want:   float64(5),
			found:  true,
		},
		{
			name:   "name/value record",
			raw:    `{"data": {"name": "counter", "value": 5}}`,
			metric: "counter",
			want:   float64(5),
			found:  true,
		},
		{
			name:   "top-level wins over nested",
			raw:    `{"counter": 1, "data": {"counter": 2}}`,
			metric: "counter",
			want:   float64(1),
			found:  true,
		},
		{
			name:   "nested wins over name/value",
			raw:    `{"data": {"counter": 2, "name": "counter", "value": 3}}`,
			metric: "counter",
			want:   float64(2),
			found:  true,
		},
		{
			name:   "name mismatch",
			raw:    `{"data": {"name": "other", "value": 5}}`,
			metric: "counter",
			found:  false,
		},
		{
			name:   "absent metric",
			raw:    `{"voltage": 12}`,
			metric: "counter",
			found:  false,
		},
		{
			name:   "string value",
			raw:    `{"status": "ok"}`,
			metric: "status",
			want:   "ok",
			found:  true,
		},
		{
			name:   "non-object result",
			raw:    `[1, 2, 3]`,
			metric: "counter",
			found:  false,
		},
		{
			name:   "empty result",
			raw:    ``,
			metric: "counter",
			found:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := extractMetric([]byte(tt.raw), tt.metric)
			if found != tt.found {
				t.Fatalf("extractMetric(%q) found = %v, want %v", tt.raw, found, tt.found)
			}
			if found && got != tt.want {
				t.Errorf("extractMetric(%q) = %v (%T), want %v (%T)", tt.raw, got, got, tt.want, tt.want)
			}
		})
	}
}
