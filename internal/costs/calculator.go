// Package costs meters model usage and prices it.
package costs

import (
	"os"
	"strconv"
	"sync"
	"time"
)

// Pricing constants (in cents per unit for precision).
// They can be overridden via environment variables.
var (
	// ControllerCentsPerThousandInputTokens is the cost per 1K prompt tokens
	// for the controller model.
	// Default: $0.15/1M = 0.015 cents/1K tokens
	ControllerCentsPerThousandInputTokens = getEnvFloat("COST_CONTROLLER_INPUT_CENTS_PER_1K", 0.015)

	// ControllerCentsPerThousandOutputTokens is the cost per 1K completion
	// tokens for the controller model.
	// Default: $0.60/1M = 0.06 cents/1K tokens
	ControllerCentsPerThousandOutputTokens = getEnvFloat("COST_CONTROLLER_OUTPUT_CENTS_PER_1K", 0.06)

	// RealtimeCentsPerMinute is the blended cost of one minute of realtime
	// translation (audio in, text out).
	// Default: $0.06/min = 6 cents/min
	RealtimeCentsPerMinute = getEnvFloat("COST_REALTIME_CENTS_PER_MIN", 6.0)
)

// Usage is the raw consumption used for cost calculation.
type Usage struct {
	ControllerCalls  int
	InputTokens      int // prompt tokens sent to the controller
	OutputTokens     int // completion tokens received
	RealtimeSeconds  int // time a realtime connection was open
	RealtimeSessions int
}

// Costs are calculated in cents.
type Costs struct {
	ControllerCostCents int
	RealtimeCostCents   int
	TotalCostCents      int
}

// Calculate prices usage.
func Calculate(u Usage) Costs {
	inputCents := (float64(u.InputTokens) / 1000.0) * ControllerCentsPerThousandInputTokens
	outputCents := (float64(u.OutputTokens) / 1000.0) * ControllerCentsPerThousandOutputTokens
	realtimeCents := (float64(u.RealtimeSeconds) / 60.0) * RealtimeCentsPerMinute

	c := Costs{
		ControllerCostCents: roundToInt(inputCents + outputCents),
		RealtimeCostCents:   roundToInt(realtimeCents),
	}
	c.TotalCostCents = c.ControllerCostCents + c.RealtimeCostCents
	return c
}

// Meter accumulates usage for the life of the process. A nil Meter
// records nothing.
type Meter struct {
	mu    sync.Mutex
	usage Usage
}

func NewMeter() *Meter {
	return &Meter{}
}

// AddCompletion records one controller call.
func (m *Meter) AddCompletion(inputTokens, outputTokens int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.ControllerCalls++
	m.usage.InputTokens += int(inputTokens)
	m.usage.OutputTokens += int(outputTokens)
}

// AddRealtime records one realtime connection that stayed open for d.
// Partial seconds round up.
func (m *Meter) AddRealtime(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.RealtimeSessions++
	m.usage.RealtimeSeconds += secs
}

func (m *Meter) Usage() Usage {
	if m == nil {
		return Usage{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// roundToInt rounds a float to the nearest integer.
func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
