package clusternode

import (
	"context"
	"time"

	"clustercore/internal/bus"
)

func defaultTestConfig() bus.Config {
	cfg := bus.DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	return cfg
}

func testContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}
