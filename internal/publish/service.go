package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/camsync/internal/bundle"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "camsync.v1.TrackerStream"

const subscribeMethod = "/" + ServiceName + "/Subscribe"

// TrackerStreamServer is the server API of the tracker stream.
//
// Subscribe takes a request struct with optional fields
//
//	{"client": "tracker-a", "arenas": [0, 2]}
//
// and streams one message per frame as laid out by EncodeUndistorted.
type TrackerStreamServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackerStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "camsync/v1/tracker_stream.proto",
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TrackerStreamServer).Subscribe(req, stream)
}

// RegisterService registers the tracker stream on s.
func RegisterService(s grpc.ServiceRegistrar, srv TrackerStreamServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Ensure Server implements the gRPC interface.
var _ TrackerStreamServer = (*Server)(nil)

// Server serves publisher frames to gRPC subscribers.
type Server struct {
	publisher *Publisher
}

// NewServer creates a new gRPC server.
func NewServer(publisher *Publisher) *Server {
	return &Server{publisher: publisher}
}

// Subscribe implements the streaming RPC.
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	clientID, arenas, err := parseRequest(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	sub, err := s.publisher.Subscribe(clientID, arenas)
	switch {
	case errors.Is(err, ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrTooManyClients):
		return status.Error(codes.ResourceExhausted, err.Error())
	case err != nil:
		return status.Error(codes.AlreadyExists, err.Error())
	}
	defer s.publisher.Unsubscribe(clientID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return nil
		case frame := <-sub.Frames():
			msg, err := EncodeUndistorted(frame, sub.arenas)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				diagf("send to %s failed: %v", clientID, err)
				return err
			}
		}
	}
}

func parseRequest(req *structpb.Struct) (string, []int, error) {
	fields := req.GetFields()
	clientID := fields["client"].GetStringValue()
	if clientID == "" {
		clientID = fmt.Sprintf("grpc-%d", time.Now().UnixNano())
	}
	var arenas []int
	for _, v := range fields["arenas"].GetListValue().GetValues() {
		if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
			return "", nil, fmt.Errorf("arenas must be numbers, got %v", v)
		}
		n := v.GetNumberValue()
		if n < 0 || n != float64(int(n)) {
			return "", nil, fmt.Errorf("bad arena index %v", n)
		}
		arenas = append(arenas, int(n))
	}
	return clientID, arenas, nil
}

// FrameStream receives frames on the client side.
type FrameStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next frame.
func (f *FrameStream) Recv() (*bundle.Undistorted, error) {
	msg := new(structpb.Struct)
	if err := f.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return DecodeUndistorted(msg)
}

// Subscribe opens a tracker stream on conn. clientID may be empty; arenas
// limits the stream to those arena indices.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, clientID string, arenas ...int) (*FrameStream, error) {
	list := make([]interface{}, len(arenas))
	for i, a := range arenas {
		list[i] = a
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"client": clientID,
		"arenas": list,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{stream: stream}, nil
}
