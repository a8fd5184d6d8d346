// Package grpcserver exposes crawl health over the standard gRPC health
// protocol so orchestrators can stop routing work to a melted-down system.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"mangasync/internal/gatekeeper"
)

// ServiceCrawl is the health service name reported for crawl admission.
const ServiceCrawl = "mangasync.crawl"

const defaultReportInterval = 10 * time.Second

type HealthSource interface {
	GetSystemHealth(ctx context.Context) gatekeeper.Health
}

type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	source   HealthSource
	interval time.Duration
	log      zerolog.Logger

	last gatekeeper.LoadStatus
}

func NewServer(source HealthSource, interval time.Duration, log zerolog.Logger) *Server {
	if interval <= 0 {
		interval = defaultReportInterval
	}
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		source:   source,
		interval: interval,
		log:      log.With().Str("component", "grpc").Logger(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceCrawl, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Health returns the underlying health service.
func (s *Server) Health() *health.Server { return s.health }

// Report samples system health once and updates the crawl service status.
// Only meltdown takes the service out; lower levels still admit P0 work.
func (s *Server) Report(ctx context.Context) gatekeeper.LoadStatus {
	h := s.source.GetSystemHealth(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if h.Status == gatekeeper.StatusMeltdown {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceCrawl, st)
	if h.Status != s.last {
		s.log.Info().Str("status", string(h.Status)).Int64("queue_depth", h.QueueDepth).Str("serving", st.String()).Msg("crawl health")
		s.last = h.Status
	}
	return h.Status
}

// Serve listens on addr until ctx is cancelled, refreshing health every
// interval.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	go s.report(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("grpc serve: %w", err)
	}
}

func (s *Server) report(ctx context.Context) {
	s.Report(ctx)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Report(ctx)
		}
	}
}
