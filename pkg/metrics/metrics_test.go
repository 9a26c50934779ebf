// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDevicesKnownGauge(t *testing.T) {
	DevicesKnown.Set(0)
	DevicesKnown.Set(5)

	value := testutil.ToFloat64(DevicesKnown)
	if value != 5 {
		t.Errorf("DevicesKnown = %v, want 5", value)
	}
}

func TestDeviceFoundTotalCounter(t *testing.T) {
	initial := testutil.ToFloat64(DeviceFoundTotal)
	DeviceFoundTotal.Inc()
	final := testutil.ToFloat64(DeviceFoundTotal)

	if final <= initial {
		t.Errorf("DeviceFoundTotal should have increased, got %v -> %v", initial, final)
	}
}

func TestDeviceLostTotalCounter(t *testing.T) {
	initial := testutil.ToFloat64(DeviceLostTotal)
	DeviceLostTotal.Inc()
	final := testutil.ToFloat64(DeviceLostTotal)

	if final <= initial {
		t.Errorf("DeviceLostTotal should have increased, got %v -> %v", initial, final)
	}
}

func TestAnnouncementsReceivedTotalCounter(t *testing.T) {
	initial := testutil.ToFloat64(AnnouncementsReceivedTotal)
	AnnouncementsReceivedTotal.Inc()
	final := testutil.ToFloat64(AnnouncementsReceivedTotal)

	if final <= initial {
		t.Errorf("AnnouncementsReceivedTotal should have increased, got %v -> %v", initial, final)
	}
}

func TestAnnouncementsRejectedTotalCounter(t *testing.T) {
	initial := testutil.ToFloat64(AnnouncementsRejectedTotal)
	AnnouncementsRejectedTotal.Inc()
	final := testutil.ToFloat64(AnnouncementsRejectedTotal)

	if final <= initial {
		t.Errorf("AnnouncementsRejectedTotal should have increased, got %v -> %v", initial, final)
	}
}

func TestProbeAttemptsTotalCounter(t *testing.T) {
	initial := testutil.ToFloat64(ProbeAttemptsTotal)
	ProbeAttemptsTotal.Inc()
	final := testutil.ToFloat64(ProbeAttemptsTotal)

	if final <= initial {
		t.Errorf("ProbeAttemptsTotal should have increased, got %v -> %v", initial, final)
	}
}

func TestProbeSuccessTotalCounter(t *testing.T) {
	initial := testutil.ToFloat64(ProbeSuccessTotal)
	ProbeSuccessTotal.Inc()
	final := testutil.ToFloat64(ProbeSuccessTotal)

	if final <= initial {
		t.Errorf("ProbeSuccessTotal should have increased, got %v -> %v", initial, final)
	}
}

func TestProbeFailureTotalCounter(t *testing.T) {
	initial := testutil.ToFloat64(ProbeFailureTotal)
	ProbeFailureTotal.Inc()
	final := testutil.ToFloat64(ProbeFailureTotal)

	if final <= initial {
		t.Errorf("ProbeFailureTotal should have increased, got %v -> %v", initial, final)
	}
}

func TestSessionsOpenedTotalCounter(t *testing.T) {
	initial := testutil.ToFloat64(SessionsOpenedTotal)
	SessionsOpenedTotal.Inc()
	final := testutil.ToFloat64(SessionsOpenedTotal)

	if final <= initial {
		t.Errorf("SessionsOpenedTotal should have increased, got %v -> %v", initial, final)
	}
}

func TestSessionsClosedTotalCounter(t *testing.T) {
	initial := testutil.ToFloat64(SessionsClosedTotal)
	SessionsClosedTotal.Inc()
	final := testutil.ToFloat64(SessionsClosedTotal)

	if final <= initial {
		t.Errorf("SessionsClosedTotal should have increased, got %v -> %v", initial, final)
	}
}

func TestSourceNumberSelectionFailureTotalCounter(t *testing.T) {
	initial := testutil.ToFloat64(SourceNumberSelectionFailureTotal)
	SourceNumberSelectionFailureTotal.Inc()
	final := testutil.ToFloat64(SourceNumberSelectionFailureTotal)

	if final <= initial {
		t.Errorf("SourceNumberSelectionFailureTotal should have increased, got %v -> %v", initial, final)
	}
}

func TestHistoryWritesTotalCounter(t *testing.T) {
	initial := testutil.ToFloat64(HistoryWritesTotal)
	HistoryWritesTotal.Inc()
	final := testutil.ToFloat64(HistoryWritesTotal)

	if final <= initial {
		t.Errorf("HistoryWritesTotal should have increased, got %v -> %v", initial, final)
	}
}

func TestHistoryWriteErrorsCounter(t *testing.T) {
	initial := testutil.ToFloat64(HistoryWriteErrors)
	HistoryWriteErrors.Inc()
	final := testutil.ToFloat64(HistoryWriteErrors)

	if final <= initial {
		t.Errorf("HistoryWriteErrors should have increased, got %v -> %v", initial, final)
	}
}

func TestProbeDurationHistogram(t *testing.T) {
	ProbeDuration.Observe(0.05)
	ProbeDuration.Observe(0.12)

	count := testutil.CollectAndCount(ProbeDuration)
	if count == 0 {
		t.Error("ProbeDuration histogram should have observations")
	}
}

func TestKnownDeviceInfoGaugeVec(t *testing.T) {
	KnownDeviceInfo.WithLabelValues("33", "CDJ-3000", "192.168.1.33").Set(1)

	metric, err := KnownDeviceInfo.GetMetricWithLabelValues("33", "CDJ-3000", "192.168.1.33")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}

	value := testutil.ToFloat64(metric)
	if value != 1 {
		t.Errorf("KnownDeviceInfo = %v, want 1", value)
	}
}

func TestDBServerPortGaugeVec(t *testing.T) {
	DBServerPort.WithLabelValues("33").Set(12523)

	metric, err := DBServerPort.GetMetricWithLabelValues("33")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}

	value := testutil.ToFloat64(metric)
	if value != 12523 {
		t.Errorf("DBServerPort = %v, want 12523", value)
	}
}

func TestMetricsAreRegistered(t *testing.T) {
	collectors := []prometheus.Collector{
		DevicesKnown,
		DeviceFoundTotal,
		DeviceLostTotal,
		AnnouncementsReceivedTotal,
		AnnouncementsRejectedTotal,
		ProbeAttemptsTotal,
		ProbeSuccessTotal,
		ProbeFailureTotal,
		ProbeDuration,
		SessionsOpenedTotal,
		SessionsClosedTotal,
		SourceNumberSelectionFailureTotal,
		HistoryWritesTotal,
		HistoryWriteErrors,
		KnownDeviceInfo,
		DBServerPort,
	}

	for i, collector := range collectors {
		count := testutil.CollectAndCount(collector)
		if count < 0 {
			t.Errorf("Metric %d is not properly registered", i)
		}
	}
}

func TestGaugeVecLabelCardinality(t *testing.T) {
	devices := []struct {
		number, name, address string
	}{
		{"1", "CDJ-2000", "192.168.1.1"},
		{"2", "CDJ-2000", "192.168.1.2"},
		{"5", "DJM-900NXS2", "192.168.1.5"},
	}

	for _, dev := range devices {
		KnownDeviceInfo.WithLabelValues(dev.number, dev.name, dev.address).Set(1)
		DBServerPort.WithLabelValues(dev.number).Set(12523)
	}

	for _, dev := range devices {
		metric, err := KnownDeviceInfo.GetMetricWithLabelValues(dev.number, dev.name, dev.address)
		if err != nil {
			t.Errorf("Failed to get KnownDeviceInfo metric for %s: %v", dev.number, err)
		}
		if testutil.ToFloat64(metric) != 1 {
			t.Errorf("Wrong value for KnownDeviceInfo[%s]", dev.number)
		}
	}
}
