package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/banshee-data/pointcloud/internal/loader"
	"github.com/banshee-data/pointcloud/internal/pointcloud"
	"github.com/banshee-data/pointcloud/internal/runtimectx"
)

type loadFlags struct {
	maxPoints int
	format    string
	colorMode string
	span      float64
	raw       bool
	preview   string
	progress  bool
}

func newLoadCommand() *cobra.Command {
	var f loadFlags
	cmd := &cobra.Command{
		Use:   "load <file-or-url>",
		Short: "Load a point cloud and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runLoad(ctx, cmd, args[0], f)
		},
	}
	cmd.Flags().IntVar(&f.maxPoints, "max-points", -1, "point budget (0 keeps every point; default from config)")
	cmd.Flags().StringVar(&f.format, "format", "", "force a reader: ply, pcd, las, json, xyz")
	cmd.Flags().StringVar(&f.colorMode, "color", "", "colour mode: rgb, height, intensity, classification")
	cmd.Flags().Float64Var(&f.span, "span", 0, "target span of the normalized cloud")
	cmd.Flags().BoolVar(&f.raw, "raw", false, "skip normalization")
	cmd.Flags().StringVarP(&f.preview, "preview", "o", "", "write the rendered PNG preview to this path")
	cmd.Flags().BoolVar(&f.progress, "progress", false, "print progress while loading")
	return cmd
}

func (f loadFlags) apply(opts *loader.LoadOptions) error {
	if f.maxPoints >= 0 {
		opts.MaxPoints = f.maxPoints
	}
	if f.format != "" {
		format, err := pointcloud.ParseFormat(f.format)
		if err != nil {
			return err
		}
		opts.Format = format
	}
	if f.colorMode != "" {
		mode, err := pointcloud.ParseColorMode(f.colorMode)
		if err != nil {
			return err
		}
		opts.ColorMode = mode
	}
	if f.span > 0 {
		opts.TargetSpan = float32(f.span)
	}
	if f.raw {
		opts.Normalize = false
	}
	return nil
}

func runLoad(ctx context.Context, cmd *cobra.Command, ref string, f loadFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
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

	opts := loader.OptionsFromConfig(cfg)
	if err := f.apply(&opts); err != nil {
		return err
	}
	opts.OnWarning = func(w pointcloud.Warning) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	out := cmd.OutOrStdout()
	h, err := rc.Load(ref, func(o *loader.LoadOptions) { *o = opts })
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
			h.Cancel()
		case <-h.Done():
		}
	}()
	if f.progress {
		for p := range h.Progress() {
			fmt.Fprintf(cmd.ErrOrStderr(), "\r%5.1f%%", p*100)
		}
		fmt.Fprintln(cmd.ErrOrStderr())
	}

	ds, err := h.Wait(context.Background())
	if err != nil {
		return err
	}
	writeSummary(out, h, ds)

	if f.preview != "" {
		frame := h.Frame()
		if frame == nil || len(frame.Image) == 0 {
			return fmt.Errorf("renderer produced no preview image")
		}
		if err := os.WriteFile(f.preview, frame.Image, 0o644); err != nil {
			return fmt.Errorf("write preview: %w", err)
		}
		fmt.Fprintf(out, "preview written to %s\n", f.preview)
	}
	return nil
}

func writeSummary(w io.Writer, h *loader.Handle, ds *pointcloud.Dataset) {
	info := h.Session()
	box, norm := ds.BoundingBox(), ds.Normalization()
	sphere := ds.BoundingSphere()

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.SetTitle(ds.Source())
	tbl.AppendRows([]table.Row{
		{"session", info.ID},
		{"format", ds.Format()},
		{"points", humanize.Comma(int64(ds.PointCount()))},
		{"repairs", humanize.Comma(int64(ds.Repairs()))},
		{"confidence", fmt.Sprintf("%.3f", ds.Confidence())},
		{"colour mode", ds.ColorMode()},
		{"bounds min", fmt.Sprintf("%.3f %.3f %.3f", box.Min[0], box.Min[1], box.Min[2])},
		{"bounds max", fmt.Sprintf("%.3f %.3f %.3f", box.Max[0], box.Max[1], box.Max[2])},
		{"sphere", fmt.Sprintf("c=(%.3f %.3f %.3f) r=%.3f", sphere.Center[0], sphere.Center[1], sphere.Center[2], sphere.Radius)},
		{"scale", fmt.Sprintf("%g", norm.Scale)},
		{"centre offset", fmt.Sprintf("%.3f %.3f %.3f", norm.CenterOffset[0], norm.CenterOffset[1], norm.CenterOffset[2])},
		{"memory", humanize.IBytes(uint64(ds.EstimatedBytes()))},
		{"warnings", len(ds.Warnings())},
		{"elapsed", info.Finished.Sub(info.Started).Round(time.Millisecond)},
	})
	if frame := h.Frame(); frame != nil {
		tbl.AppendRow(table.Row{"renderer", fmt.Sprintf("%s (%s points)", frame.Renderer, humanize.Comma(int64(frame.Points)))})
	}
	tbl.Render()
}
