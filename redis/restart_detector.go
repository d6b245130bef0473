package redis

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const restartSentinelKey = "SEATA_RESTART_SENTINEL"

// RestartDetector reports whether the Redis server behind conn has restarted since
// the previous check, by watching for a change in its run_id (spec.md §4.4, "a TC
// restart must not silently lose locks still believed held"). Adapted from the
// teacher's cache restart helper; alternates cheap sentinel-key reads with periodic
// INFO confirmations to bound the cost of checking on every coordinator tick.
type RestartDetector struct {
	conn *Connection

	state           atomic.Value // stores restartState
	checking        atomic.Int32
	checkInterval   time.Duration
	infoEveryNTicks int
}

type restartState struct {
	lastCheck int64
	runID     string
	cycle     uint64
}

// NewRestartDetector returns a RestartDetector with the default check cadence:
// at most every 2 seconds, confirming via INFO every other cycle.
func NewRestartDetector(conn *Connection) *RestartDetector {
	return &RestartDetector{
		conn:            conn,
		checkInterval:   2 * time.Second,
		infoEveryNTicks: 2,
	}
}

// IsRestarted returns true if the server's run_id changed since the previous call.
func (d *RestartDetector) IsRestarted(ctx context.Context) (bool, error) {
	if d.state.Load() == nil {
		d.state.Store(restartState{})
	}

	nowNano := time.Now().UnixNano()
	st := d.state.Load().(restartState)
	if st.lastCheck != 0 && time.Duration(nowNano-st.lastCheck) < d.checkInterval {
		return false, nil
	}
	if !d.checking.CompareAndSwap(0, 1) {
		return false, nil
	}
	defer d.checking.Store(0)

	st = d.state.Load().(restartState)
	if st.lastCheck != 0 && time.Duration(nowNano-st.lastCheck) < d.checkInterval {
		return false, nil
	}

	cycle := st.cycle + 1
	prevRunID := st.runID
	needInfo := d.infoEveryNTicks > 0 && cycle%uint64(d.infoEveryNTicks) == 0

	sentinelVal, err := d.conn.Client.Get(ctx, restartSentinelKey).Result()
	sentinelExists := err == nil
	if err != nil && err != goredis.Nil {
		return false, err
	}
	if !sentinelExists {
		needInfo = true
	}

	newRunID := prevRunID
	restarted := false

	if needInfo {
		runID, err := d.fetchRunID(ctx)
		if err != nil {
			return false, err
		}
		if prevRunID != "" && runID != prevRunID {
			restarted = true
		}
		newRunID = runID
		if err := d.conn.Client.Set(ctx, restartSentinelKey, runID, 0).Err(); err != nil {
			return false, err
		}
	} else if sentinelExists && prevRunID != "" && sentinelVal != "" && sentinelVal != prevRunID {
		newRunID = sentinelVal
		restarted = true
	}

	d.state.Store(restartState{lastCheck: nowNano, runID: newRunID, cycle: cycle})
	return restarted, nil
}

func (d *RestartDetector) fetchRunID(ctx context.Context) (string, error) {
	info, err := d.conn.Client.Info(ctx, "server").Result()
	if err != nil {
		return "", err
	}
	for _, line := range splitLines(info) {
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if len(line) > 7 && line[:7] == "run_id:" {
			return line[7:], nil
		}
	}
	return "", fmt.Errorf("unable to read run_id from INFO server response")
}

func splitLines(s string) []string {
	lines := make([]string, 0, 32)
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			end := i
			if end > start && s[end-1] == '\r' {
				end--
			}
			lines = append(lines, s[start:end])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
