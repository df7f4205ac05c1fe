package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gocv.io/x/gocv"

	"github.com/babelcloud/livedetect/config"
	"github.com/babelcloud/livedetect/internal/util"
	"github.com/babelcloud/livedetect/internal/vision/core"
	"github.com/babelcloud/livedetect/internal/vision/encode"
	"github.com/babelcloud/livedetect/internal/vision/registry"
)

// NewProbeCmd checks that the model and the camera work without starting
// the server.
func NewProbeCmd() *cobra.Command {
	var (
		output  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:          "probe",
		Short:        "Load the model, grab one frame and annotate it",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}

			reg := registry.NewFromConfig()
			defer reg.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			enc := encode.NewJPEGEncoder(config.Stream().JPEGQuality)
			steps := runProbe(ctx, reg, enc, config.Camera().MaxReadFailures, output)
			printProbe(cmd.OutOrStdout(), steps)

			for _, s := range steps {
				if s.Err != nil {
					return errors.New("probe failed")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the annotated frame to this JPEG file")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Overall probe timeout")
	return cmd
}

type probeResources interface {
	Model(ctx context.Context) (core.Detector, error)
	Camera(ctx context.Context) (core.CameraSource, error)
	BackendName() string
}

type probeStep struct {
	Name     string
	Detail   string
	Err      error
	Duration time.Duration
	Skipped  bool
}

// runProbe walks model, camera, capture, inference and encode in order.
// Steps after a failure that depends on it are reported as skipped.
func runProbe(ctx context.Context, res probeResources, enc core.FrameEncoder, maxReadFailures int, output string) []probeStep {
	var steps []probeStep
	step := func(name string, fn func() (string, error)) bool {
		start := time.Now()
		detail, err := fn()
		steps = append(steps, probeStep{Name: name, Detail: detail, Err: err, Duration: time.Since(start)})
		return err == nil
	}
	skip := func(names ...string) {
		for _, n := range names {
			steps = append(steps, probeStep{Name: n, Skipped: true})
		}
	}

	var detector core.Detector
	modelOK := step("model", func() (string, error) {
		var err error
		detector, err = res.Model(ctx)
		if err != nil {
			return "", err
		}
		detail := "backend " + res.BackendName()
		if l, ok := detector.(interface{ Labels() []string }); ok {
			detail += fmt.Sprintf(", %d labels", len(l.Labels()))
		}
		return detail, nil
	})

	var (
		frame     gocv.Mat
		haveFrame bool
	)
	defer func() {
		if haveFrame {
			frame.Close()
		}
	}()
	cameraOK := step("camera", func() (string, error) {
		src, err := res.Camera(ctx)
		if err != nil {
			return "", err
		}
		handle, err := src.Open(ctx)
		if err != nil {
			return "", err
		}
		defer handle.Release()

		for attempt := 1; ; attempt++ {
			frame, err = handle.Read(ctx)
			if err == nil {
				haveFrame = true
				return fmt.Sprintf("%dx%d frame", frame.Cols(), frame.Rows()), nil
			}
			if !core.IsTransient(err) || attempt >= maxReadFailures {
				return "", errors.Wrap(err, "read frame")
			}
		}
	})
	if !cameraOK {
		skip("inference", "encode")
		return steps
	}

	send := frame
	if modelOK {
		var result core.Result
		if step("inference", func() (string, error) {
			var err error
			result, err = detector.Detect(frame)
			if err != nil {
				return "", err
			}
			return describeDetections(result.Detections), nil
		}) {
			defer result.Close()
			send = result.Frame
		}
	} else {
		skip("inference")
	}

	step("encode", func() (string, error) {
		data, err := enc.Encode(send)
		if err != nil {
			return "", err
		}
		detail := fmt.Sprintf("%d bytes %s", len(data), enc.ContentType())
		if output != "" {
			if err := os.WriteFile(output, data, 0644); err != nil {
				return "", errors.Wrapf(err, "write %s", output)
			}
			detail += " → " + output
		}
		return detail, nil
	})
	return steps
}

func describeDetections(dets []core.Detection) string {
	if len(dets) == 0 {
		return "no detections"
	}
	parts := make([]string, 0, len(dets))
	for i, d := range dets {
		if i == 5 {
			parts = append(parts, fmt.Sprintf("+%d more", len(dets)-i))
			break
		}
		parts = append(parts, fmt.Sprintf("%s %.2f", d.Label, d.Confidence))
	}
	return fmt.Sprintf("%d detections: %s", len(dets), strings.Join(parts, ", "))
}

func printProbe(w io.Writer, steps []probeStep) {
	rows := make([]map[string]interface{}, 0, len(steps))
	for _, s := range steps {
		status := color.GreenString("ok")
		detail := s.Detail
		took := s.Duration.Round(time.Millisecond).String()
		switch {
		case s.Skipped:
			status = color.New(color.Faint).Sprint("skipped")
			took = "-"
		case s.Err != nil:
			status = color.RedString("failed")
			detail = s.Err.Error()
		}
		rows = append(rows, map[string]interface{}{
			"step":   s.Name,
			"status": status,
			"detail": detail,
			"time":   took,
		})
	}
	util.RenderTableTo(w, []util.TableColumn{
		{Header: "STEP", Key: "step"},
		{Header: "STATUS", Key: "status"},
		{Header: "TIME", Key: "time"},
		{Header: "DETAIL", Key: "detail"},
	}, rows)
}
