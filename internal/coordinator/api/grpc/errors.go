package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
)

// toStatus maps coordinator errors to gRPC status errors.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, core.ErrInvalidRegistration), errors.Is(err, core.ErrInvalidReport):
		return status.Error(codes.InvalidArgument, err.Error())
	case core.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrJobFinalized):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
