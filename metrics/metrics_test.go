package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFlushSuccess_IncrementsFilesWrittenByReason(t *testing.T) {
	before := testutil.ToFloat64(S3FilesWritten.WithLabelValues(ReasonForTest))
	RecordFlushSuccess(ReasonForTest, 10, 5.5)
	after := testutil.ToFloat64(S3FilesWritten.WithLabelValues(ReasonForTest))

	if after != before+1 {
		t.Errorf("S3FilesWritten{%s} = %f, want %f", ReasonForTest, after, before+1)
	}
}

func TestRecordFlushFailure_IncrementsWriteErrored(t *testing.T) {
	before := testutil.ToFloat64(S3WriteErrored)
	RecordFlushFailure()
	after := testutil.ToFloat64(S3WriteErrored)

	if after != before+1 {
		t.Errorf("S3WriteErrored = %f, want %f", after, before+1)
	}
}

// ReasonForTest keeps this test's label value distinct from the real flush
// reasons so repeated test runs against the same process-global counter
// stay easy to reason about.
const ReasonForTest = "test_reason"
