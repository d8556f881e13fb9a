// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/joulemeter/joulemeter/internal/bridge"
	"github.com/joulemeter/joulemeter/internal/engine"
	"github.com/joulemeter/joulemeter/internal/service"
)

// bridgePublisher drives internal/bridge.Bridge from the engine's snapshot
// feed: every time the engine signals fresh data, the latest per-process
// results are republished as the mirror tree a guest's Mirror counter
// source reads from.
type bridgePublisher struct {
	logger   *slog.Logger
	bridge   *bridge.Bridge
	engine   *engine.Engine
	interval time.Duration
}

func newBridgePublisher(logger *slog.Logger, b *bridge.Bridge, e *engine.Engine, interval time.Duration) *bridgePublisher {
	return &bridgePublisher{logger: logger.With("service", "bridge-publisher"), bridge: b, engine: e, interval: interval}
}

var (
	_ service.Service = (*bridgePublisher)(nil)
	_ service.Runner  = (*bridgePublisher)(nil)
)

func (b *bridgePublisher) Name() string { return "bridge-publisher" }

func (b *bridgePublisher) Run(ctx context.Context) error {
	intervalSeconds := b.interval.Seconds()
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.engine.DataChannel():
			snap, err := b.engine.SnapshotMetrics()
			if err != nil {
				b.logger.Warn("snapshot unavailable", "error", err)
				continue
			}
			if err := b.bridge.Publish(snap.Process, intervalSeconds); err != nil {
				b.logger.Warn("publish failed", "error", err)
			}
		}
	}
}
