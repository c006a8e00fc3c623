package reqid

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestFromMissing(t *testing.T) {
	if _, ok := From(context.Background()); ok {
		t.Fatalf("expected no id")
	}
	if _, ok := From(With(context.Background(), "")); ok {
		t.Fatalf("empty id reported as present")
	}
}

func TestLoggerAnnotates(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithUser(With(context.Background(), "req-1"), "u-7")

	Logger(ctx, base).Info("hello")
	out := buf.String()
	if !strings.Contains(out, "request_id=req-1") || !strings.Contains(out, "user_id=u-7") {
		t.Fatalf("missing attrs: %s", out)
	}
	if User(ctx) != "u-7" {
		t.Fatalf("user = %q", User(ctx))
	}
}
