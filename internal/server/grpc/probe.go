// Package grpcserver runs the gRPC probe listener of consent-server. It
// serves only grpc.health.v1.Health.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported next to the overall "".
const ServiceName = "consent"

// Probe wraps a gRPC server with the standard health service.
type Probe struct {
	srv    *grpc.Server
	health *health.Server
	log    *zap.Logger
}

// NewProbe builds the server. Status starts as NOT_SERVING.
func NewProbe(log *zap.Logger) *Probe {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	p := &Probe{srv: s, health: hs, log: log}
	p.SetServing(false)
	return p
}

// SetServing flips both the overall and the named service status.
func (p *Probe) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	p.health.SetServingStatus("", st)
	p.health.SetServingStatus(ServiceName, st)
}

// Watch runs check every interval and mirrors its result until ctx is done.
// The status is left NOT_SERVING on return.
func (p *Probe) Watch(ctx context.Context, interval time.Duration, check func(context.Context) error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	last := true
	for {
		err := check(ctx)
		if ctx.Err() != nil {
			p.SetServing(false)
			return
		}
		if ok := err == nil; ok != last {
			if !ok {
				p.log.Warn("readiness check failed", zap.Error(err))
			} else {
				p.log.Info("readiness restored")
			}
			last = ok
		}
		p.SetServing(err == nil)

		select {
		case <-ctx.Done():
			p.SetServing(false)
			return
		case <-t.C:
		}
	}
}

// Serve blocks until the listener fails or Stop is called.
func (p *Probe) Serve(lis net.Listener) error {
	return p.srv.Serve(lis)
}

// Stop reports NOT_SERVING and drains connections, forcing close after timeout.
func (p *Probe) Stop(timeout time.Duration) {
	p.health.Shutdown()
	done := make(chan struct{})
	go func() {
		p.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.srv.Stop()
	}
}
