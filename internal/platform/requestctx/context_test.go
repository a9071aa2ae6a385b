package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerFallsBackToNoop(t *testing.T) {
	if _, ok := LoggerFrom(context.Background()); ok {
		t.Fatal("expected no logger on a bare context")
	}
	if Logger(context.Background()) == nil {
		t.Fatal("expected a no-op logger")
	}

	logger := zap.NewExample()
	ctx := WithLogger(context.Background(), logger)
	if got, ok := LoggerFrom(ctx); !ok || got != logger {
		t.Fatalf("expected stored logger, got %v ok=%v", got, ok)
	}
}

func TestTraceInfoCloudResource(t *testing.T) {
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", ProjectID: "shop-prod"})
	info, ok := Trace(ctx)
	if !ok {
		t.Fatal("expected trace info")
	}
	if got := info.CloudResource(); got != "projects/shop-prod/traces/abc" {
		t.Fatalf("unexpected resource %q", got)
	}
	if TraceID(context.Background()) != "" {
		t.Fatal("expected empty trace id without trace info")
	}
	if (TraceInfo{TraceID: "abc"}).CloudResource() != "" {
		t.Fatal("expected empty resource without project")
	}
}
