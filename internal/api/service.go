package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "nilm.v1.NILMEngine"

const (
	methodListUnlabeled   = "/" + ServiceName + "/ListUnlabeled"
	methodLabelEvents     = "/" + ServiceName + "/LabelEvents"
	methodEventStatistics = "/" + ServiceName + "/EventStatistics"
	methodTrainModel      = "/" + ServiceName + "/TrainModel"
	methodPredict         = "/" + ServiceName + "/Predict"
)

// NILMEngineServer is the server side of the NILM engine service. Requests
// and responses are google.protobuf.Struct documents.
type NILMEngineServer interface {
	ListUnlabeled(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LabelEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EventStatistics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TrainModel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Predict(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(NILMEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(NILMEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(NILMEngineServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the NILM engine service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NILMEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListUnlabeled", Handler: unaryHandler(methodListUnlabeled, NILMEngineServer.ListUnlabeled)},
		{MethodName: "LabelEvents", Handler: unaryHandler(methodLabelEvents, NILMEngineServer.LabelEvents)},
		{MethodName: "EventStatistics", Handler: unaryHandler(methodEventStatistics, NILMEngineServer.EventStatistics)},
		{MethodName: "TrainModel", Handler: unaryHandler(methodTrainModel, NILMEngineServer.TrainModel)},
		{MethodName: "Predict", Handler: unaryHandler(methodPredict, NILMEngineServer.Predict)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nilm/v1/nilm.proto",
}

// RegisterNILMEngineServer registers srv on s.
func RegisterNILMEngineServer(s grpc.ServiceRegistrar, srv NILMEngineServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the NILM engine service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListUnlabeled(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodListUnlabeled, in, opts...)
}

func (c *Client) LabelEvents(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodLabelEvents, in, opts...)
}

func (c *Client) EventStatistics(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodEventStatistics, in, opts...)
}

func (c *Client) TrainModel(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodTrainModel, in, opts...)
}

func (c *Client) Predict(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodPredict, in, opts...)
}
