//go:build integration
// +build integration

package redis

import (
	"context"
	"testing"
)

// Test_RestartDetector_NoRestartOnFirstCall covers the baseline case: the first call
// only establishes the sentinel and never reports a restart, since there is no prior
// run_id to compare against.
func Test_RestartDetector_NoRestartOnFirstCall(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	d := NewRestartDetector(conn)
	d.checkInterval = 0
	d.infoEveryNTicks = 1

	restarted, err := d.IsRestarted(ctx)
	if err != nil {
		t.Fatalf("IsRestarted failed: %v", err)
	}
	if restarted {
		t.Fatalf("expected no restart reported on the first call")
	}
}

// Test_RestartDetector_NoRestartAcrossStableTicks covers repeated checks against a
// server that has not restarted: run_id stays constant, so no tick reports a restart.
func Test_RestartDetector_NoRestartAcrossStableTicks(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	d := NewRestartDetector(conn)
	d.checkInterval = 0
	d.infoEveryNTicks = 1

	for i := 0; i < 3; i++ {
		restarted, err := d.IsRestarted(ctx)
		if err != nil {
			t.Fatalf("IsRestarted failed: %v", err)
		}
		if restarted {
			t.Fatalf("tick %d: expected no restart reported against a stable server", i)
		}
	}
}
