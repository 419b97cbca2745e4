package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	buf.Reset()
	return line
}

func TestContextFieldsReachLogLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "test"})

	ctx := l.WithContext(context.Background())
	ctx = SetRunID(ctx, "run-1")
	ctx = WithFields(ctx, Fields{FieldTenantID: 7, FieldCronJobID: 3})

	if got := GetRunID(ctx); got != "run-1" {
		t.Fatalf("GetRunID = %q", got)
	}

	CtxInfo(ctx, "imported %d rows", 5)
	line := decodeLine(t, &buf)
	if line["message"] != "imported 5 rows" || line[FieldRunID] != "run-1" || line["service"] != "test" {
		t.Errorf("line = %v", line)
	}
	if line[FieldTenantID] != float64(7) {
		t.Errorf("tenant_id = %v", line[FieldTenantID])
	}

	With(Fields{FieldPeriod: "WEEKLY"}).WithCount(3).WithDuration(12).Warn(ctx, "slow")
	line = decodeLine(t, &buf)
	if line["level"] != "warning" || line[FieldCount] != float64(3) || line[FieldDurationMs] != float64(12) || line[FieldPeriod] != "WEEKLY" {
		t.Errorf("entry line = %v", line)
	}
	if line[FieldCronJobID] != float64(3) {
		t.Errorf("context field lost on entry: %v", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		debug bool
	}{
		{"debug", true},
		{"info", false},
		{"bogus", false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			ctx := New(&Config{Level: tt.level, Output: &buf}).WithContext(context.Background())
			CtxDebug(ctx, "detail")
			if got := buf.Len() > 0; got != tt.debug {
				t.Errorf("debug emitted = %v, want %v", got, tt.debug)
			}
		})
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != GetDefault() {
		t.Error("expected default logger")
	}
	SetDefaultLogger(nil)
	if GetDefault() == nil {
		t.Error("nil must not replace the default logger")
	}
}
