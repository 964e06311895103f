package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pilapse/internal/align"
	"pilapse/internal/capture"
	"pilapse/internal/flash"
	"pilapse/internal/pipeline"
	"pilapse/internal/server"
	"pilapse/internal/watch"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pilapse",
		Short: "Raspberry Pi time-lapse toolkit",
		Long: `pilapse captures time-lapse photos on a Raspberry Pi, checks that the camera
rig is aligned against two physical markers, drives an external flash and
assembles the photos into a video.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newCaptureCmd(root))
	rootCmd.AddCommand(newCombineCmd(root))
	rootCmd.AddCommand(newFlashCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newPublishCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		output     string
		asJSON     bool
		noAnnotate bool
	)

	cmd := &cobra.Command{
		Use:   "align <image>",
		Short: "Check that both markers sit on their guide lines",
		Long: `Locate the left and right markers in a photo and compare their positions
with the expected guide lines. Writes an annotated copy (default:
annotated/<name>.png next to the photo) and exits non-zero when any of the
three checks fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        pipeline.NewID("align"),
				Type:      pipeline.JobAlign,
				InputPath: args[0],
				Output:    output,
				Options: map[string]any{
					"source":     "cli",
					"noAnnotate": noAnnotate,
				},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil && res.Meta == nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(root.out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
			} else {
				printAlignMeta(root, args[0], res.Meta)
			}
			if err != nil {
				return err
			}
			if ok, _ := res.Meta["ok"].(bool); !ok {
				return ErrMisaligned
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "out", "o", "", "annotated output path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&noAnnotate, "no-annotate", false, "do not write the annotated frame")
	return cmd
}

func printAlignMeta(root *Root, input string, meta map[string]any) {
	root.printf("%s\n", input)
	if verdict, ok := meta["verdict"].(map[string]bool); ok {
		keys := make([]string, 0, len(verdict))
		for k := range verdict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			root.printf("  %-15s %t\n", k, verdict[k])
		}
	}
	if devs, ok := meta["deviations"].([]string); ok {
		for _, d := range devs {
			root.printf("  ! %s\n", d)
		}
	}
	if out, ok := meta["output"].(string); ok {
		root.printf("  annotated: %s\n", out)
	}
}

func newCaptureCmd(root *Root) *cobra.Command {
	var (
		interval time.Duration
		output   string
		limit    int
		gate     bool
		useFlash bool
		source   string
	)

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Take a photo every interval until the limit is reached",
		Long: `Run the time-lapse worker. The output folder must exist; photos already in it
count towards --limit. With --gate the worker waits until the rig is aligned
before the first shot. With --flash the flash server is switched on around
every shot.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := root.cfg.Capture
			if cmd.Flags().Changed("source") {
				cc.Source = source
			}

			src, err := root.newSource(cc)
			if err != nil {
				return err
			}

			opts := []capture.WorkerOption{capture.WithLogger(root.log)}
			if root.store != nil {
				opts = append(opts, capture.WithRecorder(root.store))
			}
			if gate {
				chk, err := root.checker()
				if err != nil {
					return fmt.Errorf("alignment gate: %w", err)
				}
				opts = append(opts, capture.WithChecker(chk))
			}
			if useFlash {
				fc, err := root.dialFlash(root.cfg.Flash.Addr, root.cfg.Flash.Timeout.Duration)
				if err != nil {
					return fmt.Errorf("flash: %w", err)
				}
				defer fc.Close()
				opts = append(opts, capture.WithFlash(fc))
			}

			w, err := capture.NewWorker(capture.Options{
				Interval:        interval,
				OutputDir:       output,
				Limit:           limit,
				GateOnAlignment: gate,
				GateInterval:    cc.GateInterval.Duration,
			}, src, opts...)
			if err != nil {
				return err
			}
			if err := w.Run(ctx); err != nil {
				return err
			}
			root.printf("%d photos in %s\n", w.Count(), output)
			return nil
		},
	}

	cfg := root.cfg.Capture
	cmd.Flags().DurationVarP(&interval, "interval", "i", cfg.Interval.Duration, "time between photos")
	cmd.Flags().StringVarP(&output, "output", "o", cfg.OutputDir, "existing folder for photos")
	cmd.Flags().IntVarP(&limit, "limit", "l", cfg.Limit, "total photos in the folder before stopping (0 = unlimited)")
	cmd.Flags().BoolVar(&gate, "gate", cfg.GateOnAlignment, "wait for the rig to be aligned before shooting")
	cmd.Flags().BoolVar(&useFlash, "flash", cfg.UseFlash, "switch the flash on around every shot")
	cmd.Flags().StringVar(&source, "source", cfg.Source, "camera source (still|webcam)")
	return cmd
}

func newCombineCmd(root *Root) *cobra.Command {
	var (
		path      string
		output    string
		fps       int
		frameTime int
		width     int
		height    int
		encoder   string
		quality   int
		publishIt bool
	)

	cmd := &cobra.Command{
		Use:   "combine",
		Short: "Assemble the photos of a folder into a video",
		Long: `Assemble every PNG in --path, sorted by name, into a video. Each photo is
shown for --frame-time frames. Without --width/--height all photos must have
the size of the first one; with them every photo is resized.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        pipeline.NewID("combine"),
				Type:      pipeline.JobCombine,
				InputPath: path,
				Output:    output,
				Options: map[string]any{
					"fps":       fps,
					"frameTime": frameTime,
					"width":     width,
					"height":    height,
					"encoder":   encoder,
					"quality":   quality,
					"publish":   publishIt,
					"source":    "cli",
				},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			root.printf("video written to %v (%v frames, %vx%v)\n", res.Meta["output"], res.Meta["frames"], res.Meta["width"], res.Meta["height"])
			if loc, ok := res.Meta["location"]; ok {
				root.printf("published to %v\n", loc)
			}
			return nil
		},
	}

	vc := root.cfg.Video
	cmd.Flags().StringVarP(&path, "path", "p", root.cfg.Paths.DefaultOutput, "folder with photos")
	cmd.Flags().StringVarP(&output, "output", "o", "", "video file (default: timelapse_<time>.avi in --path)")
	cmd.Flags().IntVar(&fps, "fps", vc.FPS, "frames per second")
	cmd.Flags().IntVar(&frameTime, "frame-time", vc.FrameTime, "frames each photo is shown for")
	cmd.Flags().IntVar(&width, "width", vc.Width, "output width (0 = first photo)")
	cmd.Flags().IntVar(&height, "height", vc.Height, "output height (0 = first photo)")
	cmd.Flags().StringVar(&encoder, "encoder", vc.Encoder, "video encoder (mjpeg|ffmpeg)")
	cmd.Flags().IntVar(&quality, "quality", vc.Quality, "JPEG quality for mjpeg")
	cmd.Flags().BoolVar(&publishIt, "publish", false, "upload the video to S3 when done")
	return cmd
}

func newFlashCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Control the external flash",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", root.cfg.Flash.Addr, "flash server address")

	call := func(name string, fn func(context.Context, flashClient) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: "Send " + name + " to the flash server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				fc, err := root.dialFlash(addr, root.cfg.Flash.Timeout.Duration)
				if err != nil {
					return err
				}
				defer fc.Close()
				return fn(cmd.Context(), fc)
			},
		}
	}

	cmd.AddCommand(call("on", func(ctx context.Context, fc flashClient) error { return fc.TurnOn(ctx) }))
	cmd.AddCommand(call("off", func(ctx context.Context, fc flashClient) error { return fc.TurnOff(ctx) }))
	cmd.AddCommand(call("stop", func(ctx context.Context, fc flashClient) error { return fc.Stop(ctx) }))
	cmd.AddCommand(call("state", func(ctx context.Context, fc flashClient) error {
		on, err := fc.State(ctx)
		if err != nil {
			return err
		}
		state := "off"
		if on {
			state = "on"
		}
		root.printf("%s\n", state)
		return nil
	}))
	cmd.AddCommand(newFlashServeCmd(root))
	return cmd
}

func newFlashServeCmd(root *Root) *cobra.Command {
	var (
		listen string
		gpio   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the flash server until a stop command arrives",
		Long: `Run the flash server. The flash is switched by writing 1/0 to --gpio (a sysfs
GPIO value file), by the configured on/off commands, or, with neither, in
memory only (dry run).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fc := root.cfg.Flash
			var sw flash.Switch
			switch {
			case gpio != "":
				sw = flash.FileSwitch{Path: gpio}
			case len(fc.OnCommand) > 0 && len(fc.OffCommand) > 0:
				sw = flash.CommandSwitch{On: fc.OnCommand, Off: fc.OffCommand}
			default:
				root.log.Warn("no gpio path or commands configured, flash is simulated")
				sw = &flash.MemorySwitch{}
			}

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", listen, err)
			}
			return flash.NewServer(sw, root.log).Serve(cmd.Context(), lis)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", root.cfg.Flash.Listen, "listen address")
	cmd.Flags().StringVar(&gpio, "gpio", root.cfg.Flash.GPIOPath, "GPIO value file driving the flash")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr      string
		watchDirs []string
		autoAlign bool
		live      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server exposing jobs, shots and alignment checks.

Examples:
  # Basic server
  pilapse serve --addr :8080

  # Align every new photo in the capture folder
  pilapse serve --watch ./photos --auto-align

  # Live alignment view while adjusting the rig
  pilapse serve --live`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			// align jobs are only submitted once srv is set
			var srv *server.Server
			root.onAlign = func(path string, res align.Result, err error) {
				srv.PublishCheck(path, res, err)
			}
			jobs := root.jobs(ctx)
			srv = server.New(addr, root.store, jobs, root.log)

			root.log.Info("starting server", "addr", addr, "watch", watchDirs, "auto_align", autoAlign, "live", live)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(ctx) })

			if len(watchDirs) > 0 {
				opts := []watch.Option{watch.WithLogger(root.log)}
				if root.store != nil {
					opts = append(opts, watch.WithRecorder(root.store))
				}
				if autoAlign {
					opts = append(opts, watch.OnPhoto(func(ev watch.Event) {
						if _, err := root.enqueue(ctx, jobs, pipeline.Job{Type: pipeline.JobAlign, InputPath: ev.Path}); err != nil {
							root.log.Warn("auto align not queued", "path", ev.Path, "error", err)
						}
					}))
				}
				w, err := watch.New(watchDirs, opts...)
				if err != nil {
					return fmt.Errorf("create watcher: %w", err)
				}
				g.Go(func() error { return w.Run(ctx) })
			}

			if live {
				chk, err := root.checker()
				if err != nil {
					return fmt.Errorf("live view: %w", err)
				}
				src, err := root.newSource(root.cfg.Capture)
				if err != nil {
					return err
				}
				loop := &server.LiveLoop{
					Source:   src,
					Checker:  chk,
					Interval: root.cfg.Server.LiveInterval.Duration,
					Store:    root.store,
					Server:   srv,
					Log:      root.log,
				}
				g.Go(func() error { return loop.Run(ctx) })
			}

			err := g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	sc := root.cfg.Server
	cmd.Flags().StringVar(&addr, "addr", sc.Addr, "listen address")
	cmd.Flags().StringSliceVar(&watchDirs, "watch", sc.WatchDirs, "folders to watch for new photos")
	cmd.Flags().BoolVar(&autoAlign, "auto-align", sc.AutoAlign, "queue an align job for every new photo")
	cmd.Flags().BoolVar(&live, "live", sc.Live, "run the live alignment loop")
	return cmd
}

func newPublishCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <file>",
		Short: "Upload a file to the configured S3 bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				Type:      pipeline.JobPublish,
				InputPath: args[0],
			})
			if err != nil {
				return err
			}
			root.printf("%v\n", res.Meta["location"])
			return nil
		},
	}
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			for _, j := range recs {
				line := fmt.Sprintf("%-45s %-8s %-10s %s", j.ID, j.JobType, j.Status, j.InputPath)
				if j.Error != "" {
					line += "  (" + j.Error + ")"
				}
				root.printf("%s\n", line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.printf("pilapse %s\n", Version)
			root.printf("Built with Go %s\n", runtime.Version())
		},
	}
}
