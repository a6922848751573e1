// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package servenv

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer exposes the standard gRPC health service. The operator marks
// itself NOT_SERVING while it is blocked on a fatal condition.
type HealthServer struct {
	logger *slog.Logger
	server *grpc.Server
	health *health.Server
}

func NewHealthServer(logger *slog.Logger) *HealthServer {
	hs := health.NewServer()
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	return &HealthServer{logger: logger, server: s, health: hs}
}

// SetServing updates the overall serving status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
}

// Serve listens on bindAddress:port until ctx is done. A port of 0 picks a
// free port; Listen reports the chosen address through addr.
func (h *HealthServer) Serve(ctx context.Context, bindAddress string, port int, addr chan<- net.Addr) error {
	l, err := net.Listen("tcp", net.JoinHostPort(bindAddress, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port %d: %w", port, err)
	}
	if addr != nil {
		addr <- l.Addr()
	}
	h.logger.Info("gRPC health service listening", "address", l.Addr().String())

	go func() {
		<-ctx.Done()
		h.health.Shutdown()
		h.server.GracefulStop()
	}()
	if err := h.server.Serve(l); err != nil && ctx.Err() == nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}
