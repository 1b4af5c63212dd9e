package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTriggerIncrementsReason(t *testing.T) {
	before := testutil.ToFloat64(checkpointTriggersTotal.WithLabelValues(ReasonSkipOver))
	RecordTrigger(ReasonSkipOver)
	after := testutil.ToFloat64(checkpointTriggersTotal.WithLabelValues(ReasonSkipOver))
	if after != before+1 {
		t.Fatalf("expected skip_over counter to grow by 1, got %v -> %v", before, after)
	}
}

func TestActivePlaybacksGauge(t *testing.T) {
	before := testutil.ToFloat64(activePlaybacks)
	IncActivePlaybacks()
	IncActivePlaybacks()
	DecActivePlaybacks()
	if got := testutil.ToFloat64(activePlaybacks); got != before+1 {
		t.Fatalf("expected gauge %v, got %v", before+1, got)
	}
}
