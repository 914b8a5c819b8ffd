package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pointcloud/internal/loader"
	"github.com/banshee-data/pointcloud/internal/runtimectx"
)

func newServeCommand() *cobra.Command {
	var listen, grpcAddr string
	var preload []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API, metrics and gRPC health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, listen, grpcAddr, preload)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC health listen address (default from config; empty disables)")
	cmd.Flags().StringSliceVar(&preload, "load", nil, "files or URLs to load at startup")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, listen, grpcAddr string, preload []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listen == "" {
		listen = cfg.GetListenAddr()
	}
	if grpcAddr == "" {
		grpcAddr = cfg.GetGRPCAddr()
	}

	rc, err := runtimectx.New(runtimectx.Options{Config: cfg})
	if err != nil {
		return err
	}
	if err := rc.Init(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rc.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "shutdown: %v\n", err)
		}
	}()

	for _, ref := range preload {
		h, err := rc.Load(ref, nil)
		if err != nil {
			return fmt.Errorf("load %s: %w", ref, err)
		}
		go reportLoad(cmd, h)
	}

	errc := make(chan error, 2)
	go func() { errc <- rc.Status.ListenAndServe(ctx, listen) }()
	if grpcAddr != "" {
		go func() { errc <- rc.Status.Health().ServeGRPC(ctx, grpcAddr) }()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func reportLoad(cmd *cobra.Command, h *loader.Handle) {
	<-h.Done()
	ds, err := h.Result()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "load %s: %v\n", h.Session().Source, err)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "loaded %s: %d points (session %s)\n", ds.Source(), ds.PointCount(), h.ID())
}
