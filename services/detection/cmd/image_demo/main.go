// Package main runs one image through a detection network, prints the detections and writes the
// image with the detections drawn on it.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.tkdetect.dev/tkdetect/logging"
	"go.tkdetect.dev/tkdetect/rimage"
	"go.tkdetect.dev/tkdetect/services/detection"
)

// Exit codes.
const (
	exitMissingConfig = 1
	exitBadConfig     = 2
	exitMissingModel  = 3
	exitMissingInput  = 4
	exitFailed        = 5
)

func main() {
	os.Exit(run(context.Background(), os.Args, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, opts ...detection.Option) int {
	app := &cli.App{
		Name:      "image_demo",
		Usage:     "detect objects in an image",
		ArgsUsage: "CONFIG_FILE",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Writer:         stdout,
		ErrWriter:      stderr,
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			logger := logging.NewLogger("image_demo")
			if c.Bool("debug") {
				logger = logging.NewDebugLogger("image_demo")
			}
			logging.ReplaceGlobal(logger)
			return demo(c.Context, c.Args().First(), c.App.Writer, logger, opts...)
		},
	}

	err := app.RunContext(ctx, args)
	if err == nil {
		return 0
	}
	fmt.Fprintln(stderr, err)
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return exitFailed
}

func demo(ctx context.Context, configFile string, out io.Writer, logger logging.Logger, opts ...detection.Option) error {
	if configFile == "" {
		return cli.Exit("a config file must be provided", exitMissingConfig)
	}
	demoCfg, err := loadDemoConfig(configFile)
	if err != nil {
		return cli.Exit(fmt.Sprintf("unable to load config file %s: %v", configFile, err), exitBadConfig)
	}
	cfg, err := demoCfg.serviceConfig()
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config file %s: %v", configFile, err), exitBadConfig)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return cli.Exit(fmt.Sprintf("the given network does not exist, export the model first: %s", cfg.ModelPath), exitMissingModel)
	}
	if _, err := os.Stat(demoCfg.InputFilename); err != nil {
		return cli.Exit(fmt.Sprintf("the given input image does not exist: %s", demoCfg.InputFilename), exitMissingInput)
	}

	img, err := rimage.NewImageFromFile(demoCfg.InputFilename)
	if err != nil {
		return cli.Exit(err, exitMissingInput)
	}

	if pp := demoCfg.postprocessor(); pp != nil {
		opts = append([]detection.Option{detection.WithPostprocessor(pp)}, opts...)
	}
	svc, err := detection.NewService(ctx, cfg, opts...)
	if err != nil {
		if errors.Is(err, detection.ErrModelNotFound) {
			return cli.Exit(err, exitMissingModel)
		}
		return cli.Exit(err, exitFailed)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warnw("error closing detection service", "error", err)
		}
	}()

	input := rimage.FrameFromImage(img, rimage.BGR)
	var result detection.BatchResult
	for i := 0; i < max(demoCfg.Repeat, 1); i++ {
		if result, err = svc.Infer(ctx, []rimage.Frame{input}); err != nil {
			return cli.Exit(err, exitFailed)
		}
	}
	printResult(out, result)
	if demoCfg.Repeat > 1 {
		printStats(out, svc.Stats())
	}

	if demoCfg.OutputFilename == "" {
		logger.Infow("no output_filename configured, not writing the annotated image")
		return nil
	}
	output := rimage.FrameFromImage(img, rimage.BGR)
	if err := svc.Draw(ctx, []rimage.Frame{output}); err != nil {
		return cli.Exit(err, exitFailed)
	}
	if err := rimage.WriteImageToFile(demoCfg.OutputFilename, output.ToRGBA()); err != nil {
		return cli.Exit(err, exitFailed)
	}
	logger.Infow("wrote annotated image", "path", demoCfg.OutputFilename)
	return nil
}

func printResult(out io.Writer, result detection.BatchResult) {
	for b, dets := range result {
		fmt.Fprintf(out, "--- Batch %d ---\n", b)
		for i, d := range dets {
			fmt.Fprintf(out, "Detection %d:\n", i)
			fmt.Fprintf(out, "- Class ID: %d (%s)\n", d.ClassID, d.ClassName)
			fmt.Fprintf(out, "- Bounding Box: %g %g %g %g\n", d.Box.X, d.Box.Y, d.Box.Width, d.Box.Height)
			fmt.Fprintf(out, "- Probability: %g\n", d.Probability)
			probs := make([]string, 0, len(d.Distribution))
			for _, p := range d.Distribution {
				probs = append(probs, fmt.Sprintf("%g", p))
			}
			fmt.Fprintf(out, "- Distribution (%d): %s\n", len(d.Distribution), strings.Join(probs, " "))
		}
	}
}

func printStats(out io.Writer, stats detection.Stats) {
	fmt.Fprintf(out, "--- Latency over %d runs ---\n", stats.Inferences)
	fmt.Fprintf(out, "mean %v, p50 %v, p95 %v, max %v\n", stats.Mean, stats.P50, stats.P95, stats.Max)
}
