package grpcutil

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNotFound etc. are sentinel errors components can return and have
// mapped to the matching gRPC status code by Error(), grounded on
// controller/api/util.GRPCError's reason-to-code mapping.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidArg    = errors.New("invalid argument")
	ErrUnavailable   = errors.New("unavailable")
	ErrAlreadyExists = errors.New("already exists")
)

// Error maps a plain Go error to a gRPC status error. If err is already a
// gRPC status error it is returned unchanged.
func Error(err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.Unknown {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, ErrInvalidArg):
		code = codes.InvalidArgument
	case errors.Is(err, ErrUnavailable):
		code = codes.Unavailable
	case errors.Is(err, ErrAlreadyExists):
		code = codes.AlreadyExists
	}
	return status.Error(code, err.Error())
}
