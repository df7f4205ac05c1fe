package detect

import (
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/babelcloud/livedetect/config"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// initONNXRuntime loads the shared library once per process.
func initONNXRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath == "" {
			libPath = defaultRuntimeLibrary()
		}
		ort.SetSharedLibraryPath(libPath)
		ortErr = errors.Wrapf(ort.InitializeEnvironment(), "initialize onnxruntime from %s", libPath)
	})
	return ortErr
}

func defaultRuntimeLibrary() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

type onnxBackend struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	dims    []int
}

// newONNXBackend creates a CPU session with preallocated input and output
// tensors. Each backend owns its tensors, so it must not be shared.
func newONNXBackend(cfg config.ModelConfig, numClasses int) (Backend, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, errors.Wrap(err, "model weights")
	}
	if err := initONNXRuntime(cfg.RuntimePath); err != nil {
		return nil, err
	}

	size := int64(cfg.InputSize)
	input, err := ort.NewTensor(ort.NewShape(1, 3, size, size), make([]float32, 3*size*size))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}

	outShape := outputShape(cfg, numClasses)
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "create output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "session options")
	}
	defer options.Destroy()
	options.SetIntraOpNumThreads(runtime.NumCPU() / max(cfg.Workers, 1))
	options.SetInterOpNumThreads(1)

	session, err := ort.NewAdvancedSession(cfg.Path,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		options)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrapf(err, "create onnxruntime session for %s", cfg.Path)
	}

	dims := make([]int, len(outShape))
	for i, d := range outShape {
		dims[i] = int(d)
	}
	return &onnxBackend{session: session, input: input, output: output, dims: dims}, nil
}

// outputShape reads the output shape from the model when it is static and
// falls back to the YOLOv5 anchor grid for the configured input size.
func outputShape(cfg config.ModelConfig, numClasses int) ort.Shape {
	if _, outputs, err := ort.GetInputOutputInfo(cfg.Path); err == nil {
		for _, info := range outputs {
			if info.Name != cfg.OutputName {
				continue
			}
			static := len(info.Dimensions) == 3
			for _, d := range info.Dimensions {
				if d <= 0 {
					static = false
				}
			}
			if static {
				return info.Dimensions
			}
		}
	}

	s := int64(cfg.InputSize)
	anchors := 3 * ((s/8)*(s/8) + (s/16)*(s/16) + (s/32)*(s/32))
	return ort.NewShape(1, anchors, int64(5+numClasses))
}

func (b *onnxBackend) Name() string { return config.BackendONNXRuntime }

func (b *onnxBackend) Infer(blob gocv.Mat) (Output, error) {
	data, err := blob.DataPtrFloat32()
	if err != nil {
		return Output{}, errors.Wrap(err, "read input blob")
	}
	in := b.input.GetData()
	if len(data) != len(in) {
		return Output{}, errors.Errorf("blob has %d values, model expects %d", len(data), len(in))
	}
	copy(in, data)

	if err := b.session.Run(); err != nil {
		return Output{}, errors.Wrap(err, "onnxruntime run")
	}
	return Output{
		Data: append([]float32(nil), b.output.GetData()...),
		Dims: b.dims,
	}, nil
}

func (b *onnxBackend) Close() error {
	err := b.session.Destroy()
	b.input.Destroy()
	b.output.Destroy()
	return err
}
