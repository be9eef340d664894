// Package services implements the gRPC services. Messages are
// google.protobuf.Struct values holding the same JSON documents the HTTP
// API accepts, so no generated stubs are needed.
package services

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/intelligence/mixprop"
	"github.com/turtacn/mixprop/pkg/errors"
)

// PredictionServiceName is the fully qualified gRPC service name.
const PredictionServiceName = "mixprop.v1.PredictionService"

const (
	predictMethod     = "/" + PredictionServiceName + "/Predict"
	fingerprintMethod = "/" + PredictionServiceName + "/Fingerprint"
)

// Engine evaluates requests. *mixprop.Serving implements it.
type Engine interface {
	Predict(ctx context.Context, req *mixprop.PredictRequest) (*mixprop.PredictResponse, error)
	Fingerprint(ctx context.Context, req *mixprop.FingerprintRequest) (*mixprop.FingerprintResponse, error)
}

// PredictionServer is the server API of PredictionService.
type PredictionServer interface {
	Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Fingerprint(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// PredictionService serves predictions and fingerprints from an Engine.
type PredictionService struct {
	engine Engine
	logger logging.Logger
}

func NewPredictionService(engine Engine, logger logging.Logger) *PredictionService {
	return &PredictionService{engine: engine, logger: logging.OrNop(logger)}
}

// Predict decodes a PredictRequest document and returns the PredictResponse
// document.
func (s *PredictionService) Predict(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req mixprop.PredictRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.engine.Predict(ctx, &req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

// Fingerprint decodes a FingerprintRequest document and returns the
// FingerprintResponse document.
func (s *PredictionService) Fingerprint(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req mixprop.FingerprintRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.engine.Fingerprint(ctx, &req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

func fromStruct(in *structpb.Struct, v interface{}) error {
	if in == nil {
		return errors.NewInvalidInputError("empty request")
	}
	b, err := protojson.Marshal(in)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "malformed request")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "malformed request")
	}
	return nil
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, toStatus(errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode response"))
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, toStatus(errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode response"))
	}
	return out, nil
}

// toStatus maps an AppError to a gRPC status through its HTTP status.
// Internal failures are masked.
func toStatus(err error) error {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case stderrors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	code := errors.GetCode(err)
	var c codes.Code
	switch errors.HTTPStatusForCode(code) {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		c = codes.InvalidArgument
	case http.StatusUnauthorized:
		c = codes.Unauthenticated
	case http.StatusForbidden:
		c = codes.PermissionDenied
	case http.StatusNotFound:
		c = codes.NotFound
	case http.StatusConflict:
		c = codes.FailedPrecondition
	case http.StatusTooManyRequests:
		c = codes.ResourceExhausted
	case http.StatusNotImplemented:
		c = codes.Unimplemented
	case http.StatusServiceUnavailable:
		c = codes.Unavailable
	case http.StatusGatewayTimeout:
		c = codes.DeadlineExceeded
	default:
		return status.Error(codes.Internal, errors.DefaultMessageForCode(errors.ErrCodeInternal))
	}
	msg := err.Error()
	var ae *errors.AppError
	if stderrors.As(err, &ae) {
		msg = string(ae.Code) + ": " + ae.Message
		if ae.Detail != "" {
			msg += " (" + ae.Detail + ")"
		}
	}
	return status.Error(c, msg)
}

// PredictionServiceDesc describes PredictionService for grpc.Server.
var PredictionServiceDesc = grpc.ServiceDesc{
	ServiceName: PredictionServiceName,
	HandlerType: (*PredictionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
		{MethodName: "Fingerprint", Handler: fingerprintHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mixprop/v1/prediction.proto",
}

func predictHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictionServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: predictMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PredictionServer).Predict(ctx, req.(*structpb.Struct))
	})
}

func fingerprintHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictionServer).Fingerprint(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fingerprintMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PredictionServer).Fingerprint(ctx, req.(*structpb.Struct))
	})
}

// PredictionClient calls PredictionService.
type PredictionClient struct {
	cc grpc.ClientConnInterface
}

func NewPredictionClient(cc grpc.ClientConnInterface) *PredictionClient {
	return &PredictionClient{cc: cc}
}

func (c *PredictionClient) Predict(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, predictMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PredictionClient) Fingerprint(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fingerprintMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
