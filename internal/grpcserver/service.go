// Package grpcserver serves mailcredits.ledger.v1.LedgerService. Requests and
// responses are google.protobuf.Struct messages, so no generated stubs are needed.
package grpcserver

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mailcredits.ledger.v1.LedgerService"

const (
	methodGetBalance         = "GetBalance"
	methodSpend              = "Spend"
	methodRefund             = "Refund"
	methodAdjust             = "Adjust"
	methodReconcileDueGrants = "ReconcileDueGrants"
)

// ledgerServiceHandler is the method set ServiceDesc requires of a registered server.
type ledgerServiceHandler interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Spend(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Refund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Adjust(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ReconcileDueGrants(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(server *LedgerServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

func methodHandler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(structpb.Struct)
			if err := decode(request); err != nil {
				return nil, err
			}
			server := srv.(*LedgerServiceServer)
			if interceptor == nil {
				return call(server, ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
				return call(server, ctx, request.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes LedgerService for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ledgerServiceHandler)(nil),
	Methods: []grpc.MethodDesc{
		methodHandler(methodGetBalance, (*LedgerServiceServer).GetBalance),
		methodHandler(methodSpend, (*LedgerServiceServer).Spend),
		methodHandler(methodRefund, (*LedgerServiceServer).Refund),
		methodHandler(methodAdjust, (*LedgerServiceServer).Adjust),
		methodHandler(methodReconcileDueGrants, (*LedgerServiceServer).ReconcileDueGrants),
	},
	Metadata: "mailcredits/ledger/v1/ledger.proto",
}

// RegisterLedgerServiceServer registers server with registrar.
func RegisterLedgerServiceServer(registrar grpc.ServiceRegistrar, server *LedgerServiceServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

// NewServer builds a grpc.Server with the ledger service, health checks and
// request logging installed.
func NewServer(ledgerServer *LedgerServiceServer, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	RegisterLedgerServiceServer(grpcServer, ledgerServer)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	return grpcServer
}

// Serve runs grpcServer on listenAddr until ctx is cancelled.
func Serve(ctx context.Context, grpcServer *grpc.Server, listenAddr string, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("gRPC shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		response, err := handler(ctx, request)
		if err != nil {
			logger.Debug("grpc call failed",
				zap.String("method", info.FullMethod),
				zap.String("code", status.Code(err).String()),
				zap.Error(err),
			)
		}
		return response, err
	}
}

// Client calls LedgerService over conn.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) invoke(ctx context.Context, method string, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, "/"+ServiceName+"/"+method, request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) GetBalance(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetBalance, request, options...)
}

func (client *Client) Spend(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodSpend, request, options...)
}

func (client *Client) Refund(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodRefund, request, options...)
}

func (client *Client) Adjust(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodAdjust, request, options...)
}

func (client *Client) ReconcileDueGrants(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodReconcileDueGrants, request, options...)
}
