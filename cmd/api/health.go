package main

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/profilesync"
)

// Health service names beside the overall "" status.
const (
	profileSyncService = "profilesync"
	storageService     = "storage"
)

// Pinger checks that storage is reachable. *db.Client implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// newHealthServer returns a health server reporting the process as serving
// and the sync consumer as not yet connected.
func newHealthServer(syncEnabled bool) *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(storageService, healthpb.HealthCheckResponse_NOT_SERVING)
	if syncEnabled {
		hs.SetServingStatus(profileSyncService, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return hs
}

// reportConsumerState returns an OnStateChange hook that mirrors the
// consumer state into hs.
func reportConsumerState(hs *health.Server) func(profilesync.State) {
	return func(s profilesync.State) {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if s == profilesync.Consuming {
			status = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus(profileSyncService, status)
	}
}

// watchStorage pings storage every interval and mirrors the result into hs
// until ctx ends.
func watchStorage(ctx context.Context, hs *health.Server, db Pinger, interval time.Duration) {
	last := healthpb.HealthCheckResponse_UNKNOWN
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := db.Ping(pctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			status = healthpb.HealthCheckResponse_NOT_SERVING
			if last != status {
				log.Warn("storage unreachable", "err", err)
			}
		}
		last = status
		hs.SetServingStatus(storageService, status)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
