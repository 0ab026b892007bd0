package xengine

import (
	"context"
	"math"
	"net/netip"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/omeyang/xadmit/pkg/admission/xrule"
)

// GRPCExtractor 从 gRPC 调用构造准入请求：
// 带用户头时按 user 作用域，否则按对端 IP，都取不到时按 global
type GRPCExtractor struct {
	userHeader   string
	regionHeader string
	resource     func(fullMethod string) xrule.ResourceType
}

// GRPCExtractorOption 配置 GRPCExtractor
type GRPCExtractorOption func(*GRPCExtractor)

// WithGRPCUserHeader 设置用户 ID 的 metadata 键
func WithGRPCUserHeader(key string) GRPCExtractorOption {
	return func(x *GRPCExtractor) {
		if key != "" {
			x.userHeader = key
		}
	}
}

// WithGRPCRegionHeader 设置地域的 metadata 键
func WithGRPCRegionHeader(key string) GRPCExtractorOption {
	return func(x *GRPCExtractor) {
		if key != "" {
			x.regionHeader = key
		}
	}
}

// WithGRPCResource 设置方法到资源类型的映射，默认全部为 api
func WithGRPCResource(fn func(fullMethod string) xrule.ResourceType) GRPCExtractorOption {
	return func(x *GRPCExtractor) {
		if fn != nil {
			x.resource = fn
		}
	}
}

// NewGRPCExtractor 创建提取器
func NewGRPCExtractor(opts ...GRPCExtractorOption) *GRPCExtractor {
	x := &GRPCExtractor{
		userHeader:   "x-xadmit-user",
		regionHeader: "x-xadmit-region",
		resource:     func(string) xrule.ResourceType { return xrule.ResourceAPI },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(x)
		}
	}
	return x
}

// Extract 构造请求
func (x *GRPCExtractor) Extract(ctx context.Context, fullMethod string) Request {
	req := Request{Scope: xrule.ScopeGlobal, Resource: x.resource(fullMethod)}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(x.userHeader); len(v) > 0 && v[0] != "" {
			req.Scope, req.ScopeValue, req.UserID = xrule.ScopeUser, v[0], v[0]
		}
		if v := md.Get(x.regionHeader); len(v) > 0 {
			req.Region = v[0]
		}
	}
	if req.Scope == xrule.ScopeGlobal {
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			if ap, err := netip.ParseAddrPort(p.Addr.String()); err == nil {
				req.Scope, req.ScopeValue = xrule.ScopeIP, ap.Addr().Unmap().String()
			}
		}
	}
	return req
}

// admit 判定并把拒绝映射为 gRPC 状态：
// 限流与配额为 ResourceExhausted，存储不可用为 Unavailable，配置错误为 Internal。
// 拒绝时通过 retry-after 头返回建议等待的秒数。
func admit(ctx context.Context, e *Engine, req Request) error {
	dec, err := e.Check(ctx, req)
	switch {
	case err == nil:
	case IsConfigError(err):
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
	if dec.Allowed {
		return nil
	}
	if dec.RetryAfter > 0 {
		secs := int64(math.Ceil(dec.RetryAfter.Seconds()))
		//nolint:errcheck // 流已结束或头已发送时无法补发，不影响拒绝结果
		grpc.SetHeader(ctx, metadata.Pairs("retry-after", strconv.FormatInt(secs, 10)))
	}
	code := codes.ResourceExhausted
	if dec.Reason == ReasonStoreUnavailable {
		code = codes.Unavailable
	}
	return status.Errorf(code, "xadmit: %s: limit=%d retry_after=%s", dec.Reason, dec.Limit, dec.RetryAfter)
}

// UnaryServerInterceptor 一元调用准入拦截器
//
//	srv := grpc.NewServer(grpc.UnaryInterceptor(xengine.UnaryServerInterceptor(engine, nil)))
func UnaryServerInterceptor(e *Engine, x *GRPCExtractor) grpc.UnaryServerInterceptor {
	if x == nil {
		x = NewGRPCExtractor()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := admit(ctx, e, x.Extract(ctx, info.FullMethod)); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor 流式调用准入拦截器，只在建流时判定一次
func StreamServerInterceptor(e *Engine, x *GRPCExtractor) grpc.StreamServerInterceptor {
	if x == nil {
		x = NewGRPCExtractor()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		if err := admit(ctx, e, x.Extract(ctx, info.FullMethod)); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
