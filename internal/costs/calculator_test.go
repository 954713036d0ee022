package costs

import (
	"sync"
	"testing"
	"time"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		name  string
		usage Usage
		want  Costs
	}{
		{
			name: "typical 10 minute session",
			usage: Usage{
				ControllerCalls: 12,
				InputTokens:     5000,
				OutputTokens:    2000,
				RealtimeSeconds: 600,
			},
			// Controller: (5000/1000)*0.015 + (2000/1000)*0.06 = 0.195 -> 0 cents
			// Realtime: 10 * 6 = 60 cents
			want: Costs{ControllerCostCents: 0, RealtimeCostCents: 60, TotalCostCents: 60},
		},
		{
			name: "short session with heavy controller use",
			usage: Usage{
				InputTokens:     100000,
				OutputTokens:    40000,
				RealtimeSeconds: 30,
			},
			// Controller: 100*0.015 + 40*0.06 = 1.5 + 2.4 = 3.9 -> 4 cents
			// Realtime: 0.5 * 6 = 3 cents
			want: Costs{ControllerCostCents: 4, RealtimeCostCents: 3, TotalCostCents: 7},
		},
		{
			name: "long pinned context",
			usage: Usage{
				InputTokens:     1000000,
				OutputTokens:    200000,
				RealtimeSeconds: 90,
			},
			// Controller: 1000*0.015 + 200*0.06 = 15 + 12 = 27 cents
			// Realtime: 1.5 * 6 = 9 cents
			want: Costs{ControllerCostCents: 27, RealtimeCostCents: 9, TotalCostCents: 36},
		},
		{
			name:  "nothing used (edge case)",
			usage: Usage{},
			want:  Costs{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Calculate(tt.usage)
			if got.ControllerCostCents != tt.want.ControllerCostCents {
				t.Errorf("ControllerCostCents = %d, want %d", got.ControllerCostCents, tt.want.ControllerCostCents)
			}
			if got.RealtimeCostCents != tt.want.RealtimeCostCents {
				t.Errorf("RealtimeCostCents = %d, want %d", got.RealtimeCostCents, tt.want.RealtimeCostCents)
			}
			if got.TotalCostCents != tt.want.TotalCostCents {
				t.Errorf("TotalCostCents = %d, want %d", got.TotalCostCents, tt.want.TotalCostCents)
			}
		})
	}
}

func TestMeterAddRealtime(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want int
	}{
		{"whole seconds", 3 * time.Second, 3},
		{"partial second rounds up", 1500 * time.Millisecond, 2},
		{"zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMeter()
			m.AddRealtime(tt.d)
			u := m.Usage()
			if u.RealtimeSeconds != tt.want {
				t.Errorf("RealtimeSeconds = %d, want %d", u.RealtimeSeconds, tt.want)
			}
			if u.RealtimeSessions != 1 {
				t.Errorf("RealtimeSessions = %d, want 1", u.RealtimeSessions)
			}
		})
	}
}

func TestMeterConcurrentCompletions(t *testing.T) {
	m := NewMeter()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.AddCompletion(100, 20)
		}()
	}
	wg.Wait()

	u := m.Usage()
	if u.ControllerCalls != 50 || u.InputTokens != 5000 || u.OutputTokens != 1000 {
		t.Errorf("usage = %+v, want 50 calls, 5000 in, 1000 out", u)
	}
}

func TestNilMeter(t *testing.T) {
	var m *Meter
	m.AddCompletion(10, 10)
	m.AddRealtime(time.Second)
	if u := m.Usage(); u != (Usage{}) {
		t.Errorf("nil meter usage = %+v, want zero", u)
	}
}
