// Package adaptertest provides driver-agnostic conformance testing for host adapters.
//
// Any IHostAdapter implementation must pass RunConformance before the dispatcher
// can rely on it: toggles must be reflected by Info, repeated toggles must be
// idempotent, cancelled contexts must fail, and failures must normalize to the
// container codes.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/radio-control/gapd/internal/adapter"
)

// Capabilities defines what the driver under test is expected to support.
type Capabilities struct {
	// Driver id used to pick the error mapping table
	DriverID string

	// SupportsDiscoverable is false for LE-only drivers that report NOT_SUPPORTED
	SupportsDiscoverable bool

	// MaxCallDuration bounds a single call against the driver
	MaxCallDuration time.Duration
}

// ConformanceResult represents the result of a conformance test.
type ConformanceResult struct {
	TestName string
	Passed   bool
	Error    string
	Duration time.Duration
	Details  map[string]interface{}
}

// ConformanceReport represents the complete conformance test report.
type ConformanceReport struct {
	AdapterName   string
	TotalTests    int
	PassedTests   int
	FailedTests   int
	Results       []ConformanceResult
	OverallPassed bool
	Duration      time.Duration
}

// RunConformance runs the complete conformance test suite for a driver.
func RunConformance(t *testing.T, newAdapter func() adapter.IHostAdapter, caps Capabilities) {
	startTime := time.Now()

	if caps.MaxCallDuration == 0 {
		caps.MaxCallDuration = 50 * time.Millisecond
	}

	report := &ConformanceReport{
		AdapterName:   fmt.Sprintf("%T", newAdapter()),
		Results:       []ConformanceResult{},
		OverallPassed: true,
	}

	runInfoTests(t, newAdapter, caps, report)
	runNameTests(t, newAdapter, caps, report)
	runDiscoveryTests(t, newAdapter, caps, report)
	runDiscoverableTests(t, newAdapter, caps, report)
	runCancellationTests(t, newAdapter, caps, report)
	runTimingTests(t, newAdapter, caps, report)

	report.Duration = time.Since(startTime)

	printConformanceReport(t, report)

	if !report.OverallPassed {
		t.Fatalf("Adapter conformance test failed: %d/%d tests passed", report.PassedTests, report.TotalTests)
	}
}

// runInfoTests checks that Info returns a populated record.
func runInfoTests(t *testing.T, newAdapter func() adapter.IHostAdapter, caps Capabilities, report *ConformanceReport) {
	a := newAdapter()
	result := ConformanceResult{TestName: "Info_Basic", Details: make(map[string]interface{})}
	start := time.Now()

	info, err := a.Info(context.Background())
	result.Duration = time.Since(start)

	switch {
	case err != nil:
		result.Error = fmt.Sprintf("Info failed: %v", err)
	case info == nil:
		result.Error = "Info returned nil"
	case info.ID == "":
		result.Error = "Info returned empty ID"
	default:
		result.Passed = true
		result.Details["id"] = info.ID
		result.Details["address"] = info.Address
	}

	report.addResult(result)
}

// runNameTests checks SetName is reflected by Info.
func runNameTests(t *testing.T, newAdapter func() adapter.IHostAdapter, caps Capabilities, report *ConformanceReport) {
	a := newAdapter()
	ctx := context.Background()
	result := ConformanceResult{TestName: "SetName_Reflected", Details: make(map[string]interface{})}
	start := time.Now()

	err := a.SetName(ctx, "gapd-conformance")
	var info *adapter.AdapterInfo
	if err == nil {
		info, err = a.Info(ctx)
	}
	result.Duration = time.Since(start)

	switch {
	case err != nil:
		result.Error = fmt.Sprintf("SetName/Info failed: %v", err)
	case info.Name != "gapd-conformance":
		result.Error = fmt.Sprintf("expected name gapd-conformance, got %q", info.Name)
	default:
		result.Passed = true
	}

	report.addResult(result)
}

// runDiscoveryTests checks discovery on/off and idempotency.
func runDiscoveryTests(t *testing.T, newAdapter func() adapter.IHostAdapter, caps Capabilities, report *ConformanceReport) {
	runToggleTests(newAdapter, report, "Discovery",
		func(a adapter.IHostAdapter, ctx context.Context, on bool) error { return a.SetDiscovery(ctx, on) },
		func(info *adapter.AdapterInfo) bool { return info.Discovering })
}

// runDiscoverableTests checks discoverable on/off, or NOT_SUPPORTED when declared.
func runDiscoverableTests(t *testing.T, newAdapter func() adapter.IHostAdapter, caps Capabilities, report *ConformanceReport) {
	if !caps.SupportsDiscoverable {
		a := newAdapter()
		result := ConformanceResult{TestName: "Discoverable_NotSupported", Details: make(map[string]interface{})}
		err := adapter.NormalizeDriverErrorWithDriver(a.SetDiscoverable(context.Background(), true), nil, caps.DriverID)
		if errors.Is(err, adapter.ErrNotSupported) {
			result.Passed = true
		} else {
			result.Error = fmt.Sprintf("expected NOT_SUPPORTED, got %v", err)
		}
		report.addResult(result)
		return
	}

	runToggleTests(newAdapter, report, "Discoverable",
		func(a adapter.IHostAdapter, ctx context.Context, on bool) error { return a.SetDiscoverable(ctx, on) },
		func(info *adapter.AdapterInfo) bool { return info.Discoverable })
}

func runToggleTests(
	newAdapter func() adapter.IHostAdapter,
	report *ConformanceReport,
	name string,
	set func(adapter.IHostAdapter, context.Context, bool) error,
	get func(*adapter.AdapterInfo) bool,
) {
	a := newAdapter()
	ctx := context.Background()

	for _, step := range []bool{true, true, false, false} {
		result := ConformanceResult{
			TestName: fmt.Sprintf("%s_Set_%v", name, step),
			Details:  make(map[string]interface{}),
		}
		start := time.Now()

		err := set(a, ctx, step)
		var info *adapter.AdapterInfo
		if err == nil {
			info, err = a.Info(ctx)
		}
		result.Duration = time.Since(start)

		switch {
		case err != nil:
			result.Error = fmt.Sprintf("set(%v) failed: %v", step, err)
		case get(info) != step:
			result.Error = fmt.Sprintf("expected state %v after set, got %v", step, get(info))
		default:
			result.Passed = true
			result.Details["state"] = step
		}

		report.addResult(result)
	}
}

// runCancellationTests checks a cancelled context fails every call.
func runCancellationTests(t *testing.T, newAdapter func() adapter.IHostAdapter, caps Capabilities, report *ConformanceReport) {
	a := newAdapter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := ConformanceResult{TestName: "Cancellation_SetDiscovery", Details: make(map[string]interface{})}
	start := time.Now()
	err := a.SetDiscovery(ctx, true)
	result.Duration = time.Since(start)

	if err == nil {
		result.Error = "SetDiscovery with cancelled context should have failed"
	} else {
		result.Passed = true
		result.Details["error"] = err.Error()
	}

	report.addResult(result)
}

// runTimingTests checks calls return promptly.
func runTimingTests(t *testing.T, newAdapter func() adapter.IHostAdapter, caps Capabilities, report *ConformanceReport) {
	a := newAdapter()

	result := ConformanceResult{TestName: "Timing_Info", Details: make(map[string]interface{})}
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 2*caps.MaxCallDuration)
	defer cancel()

	_, err := a.Info(ctx)
	result.Duration = time.Since(start)

	if result.Duration > caps.MaxCallDuration {
		result.Error = fmt.Sprintf("Info took too long: %v", result.Duration)
	} else if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		result.Error = fmt.Sprintf("Unexpected error: %v", err)
	} else {
		result.Passed = true
		result.Details["duration"] = result.Duration.String()
	}

	report.addResult(result)
}

func (r *ConformanceReport) addResult(result ConformanceResult) {
	r.TotalTests++
	if result.Passed {
		r.PassedTests++
	} else {
		r.FailedTests++
		r.OverallPassed = false
	}
	r.Results = append(r.Results, result)
}

func printConformanceReport(t *testing.T, report *ConformanceReport) {
	t.Logf("\n%s", strings.Repeat("=", 80))
	t.Logf("ADAPTER CONFORMANCE REPORT")
	t.Logf("%s", strings.Repeat("=", 80))
	t.Logf("Adapter: %s", report.AdapterName)
	t.Logf("Total Tests: %d", report.TotalTests)
	t.Logf("Passed: %d", report.PassedTests)
	t.Logf("Failed: %d", report.FailedTests)
	t.Logf("Overall: %s", map[bool]string{true: "PASS", false: "FAIL"}[report.OverallPassed])
	t.Logf("Duration: %v", report.Duration)
	t.Logf("%s", strings.Repeat("-", 80))

	t.Logf("%-30s %-8s %-12s %-s", "TEST NAME", "RESULT", "DURATION", "DETAILS")
	t.Logf("%s", strings.Repeat("-", 80))

	for _, result := range report.Results {
		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}

		details := result.Error
		if details == "" && len(result.Details) > 0 {
			var detailParts []string
			for k, v := range result.Details {
				detailParts = append(detailParts, fmt.Sprintf("%s=%v", k, v))
			}
			details = strings.Join(detailParts, ", ")
		}

		t.Logf("%-30s %-8s %-12s %-s", result.TestName, status, result.Duration.String(), details)
	}

	t.Logf("%s", strings.Repeat("=", 80))
}
