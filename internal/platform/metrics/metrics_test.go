package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotCounts(t *testing.T) {
	c := New()
	c.RecordAdmission()
	c.RecordRelease("expired")
	c.RecordRelease("expired")
	c.RecordRelease("manual")
	c.RecordEscape("handled")
	c.RecordEscape("throttled")
	c.RecordSweep(3 * time.Millisecond)
	c.RecordSweep(1 * time.Millisecond)
	c.RecordStorageWrite(time.Millisecond, errors.New("locked"))

	snap := c.Snapshot()
	prisoners := snap["prisoners"].(map[string]interface{})
	assert.Equal(t, int64(1), prisoners["admissions"])
	assert.Equal(t, int64(2), prisoners["releases"].(map[string]int64)["expired"])

	sweep := snap["sweep"].(map[string]interface{})
	assert.Equal(t, int64(2), sweep["count"])
	assert.InDelta(t, 3.0, sweep["max_latency_ms"], 0.001)

	storage := snap["storage"].(map[string]interface{})
	assert.Equal(t, int64(1), storage["errors"])
	assert.Equal(t, int64(1), c.Releases("manual"))
}

func TestWritePrometheus(t *testing.T) {
	c := New()
	c.RecordRelease("bail_paid")
	c.RecordEscape("canceled")

	rec := httptest.NewRecorder()
	c.WritePrometheus(rec)
	body := rec.Body.String()

	assert.True(t, strings.Contains(body, `devjails_releases_total{reason="bail_paid"} 1`))
	assert.True(t, strings.Contains(body, `devjails_escapes_total{outcome="canceled"} 1`))
}
