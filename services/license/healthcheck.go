package license

import (
	"context"
	"errors"

	"smallbiznis-licensing/pkg/errutil"

	"github.com/gogo/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Check reports SERVING when the database answers and the verification key is loaded.
func (s *Service) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if s.db == nil {
		return nil, errutil.ToGRPCError(errutil.Internal("db not ready", errors.New("no database configured")))
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, errutil.ToGRPCError(errutil.Internal("db not ready", err))
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	if s.keys == nil || s.keys.PublicKey() == nil {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}

	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

func (s *Service) Watch(req *grpc_health_v1.HealthCheckRequest, srv grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch method not implemented")
}
