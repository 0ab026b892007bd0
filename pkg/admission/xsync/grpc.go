package xsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	codecName   = "json"
	serviceName = "xadmit.sync.v1.Replication"
	pullMethod  = "/" + serviceName + "/Pull"
)

// jsonCodec 让消息直接使用 Go 结构体，不依赖 protobuf 生成代码
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// puller 是 serviceDesc 的 HandlerType
type puller interface {
	Pull(ctx context.Context, req PullRequest) (PullResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*puller)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Pull", Handler: pullHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "xadmit/sync/v1/replication",
}

func pullHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PullRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(puller).Pull(ctx, *req.(*PullRequest))
		if err != nil {
			return nil, toStatus(err)
		}
		return &resp, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pullMethod}
	return interceptor(ctx, in, info, call)
}

// RegisterServer 把 Server 注册到 gRPC 服务
func RegisterServer(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", ErrRateLimited, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %w", context.Canceled, err)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	default:
		return err
	}
}

// GRPCPeer 通过 gRPC 访问的对端
type GRPCPeer struct {
	id   string
	conn *grpc.ClientConn
	own  bool
}

var _ Peer = (*GRPCPeer)(nil)

// NewGRPCPeer 使用已有连接；Close 不会关闭该连接
func NewGRPCPeer(id string, conn *grpc.ClientConn) *GRPCPeer {
	return &GRPCPeer{id: id, conn: conn}
}

// DialPeer 为成员建立连接，默认不加密
func DialPeer(m Member, opts ...grpc.DialOption) (*GRPCPeer, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(m.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("xsync: dial %s at %s: %w", m.ID, m.Addr, err)
	}
	return &GRPCPeer{id: m.ID, conn: conn, own: true}, nil
}

func (p *GRPCPeer) ID() string { return p.id }

func (p *GRPCPeer) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	var resp PullResponse
	if err := p.conn.Invoke(ctx, pullMethod, &req, &resp, grpc.CallContentSubtype(codecName)); err != nil {
		return PullResponse{}, fromStatus(err)
	}
	return resp, nil
}

// Close 关闭 DialPeer 建立的连接
func (p *GRPCPeer) Close() error {
	if !p.own {
		return nil
	}
	return p.conn.Close()
}
