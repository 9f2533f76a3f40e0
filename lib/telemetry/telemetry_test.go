package telemetry

import (
	"context"
	"testing"
)

func TestDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Options{Enabled: false, ServiceName: "aiproxy"})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
