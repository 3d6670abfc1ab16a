package grpc

import (
	"context"
	"net"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var Module = fx.Options(
	fx.Provide(
		NewServer,
		NewListener,
		fx.Annotate(
			NewSignalService,
			fx.As(new(SignalServer)),
		),
	),
	fx.Invoke(
		registerService,
		lifecycleHook,
	),
)

type registerParams struct {
	fx.In

	Server  *grpc.Server
	Service SignalServer
}

func registerService(p registerParams) {
	p.Server.RegisterService(&SignalServiceDesc, p.Service)
}

func lifecycleHook(lc fx.Lifecycle, log *zap.Logger, srv *grpc.Server, lis net.Listener) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("grpc server starting", zap.String("addr", lis.Addr().String()))
			go func() {
				if err := srv.Serve(lis); err != nil {
					log.Error("grpc server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("grpc server stopping")
			srv.GracefulStop()
			return nil
		},
	})
}
