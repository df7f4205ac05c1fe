package detect

import (
	"os"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/babelcloud/livedetect/config"
)

type opencvBackend struct {
	net gocv.Net
}

// newOpenCVBackend loads an ONNX (or darknet/caffe) model with OpenCV's DNN
// module, pinned to the CPU.
func newOpenCVBackend(cfg config.ModelConfig) (Backend, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, errors.Wrap(err, "model weights")
	}

	net := gocv.ReadNet(cfg.Path, "")
	if net.Empty() {
		net.Close()
		return nil, errors.Errorf("opencv could not load %s", cfg.Path)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, errors.Wrap(err, "set dnn backend")
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, errors.Wrap(err, "set dnn target")
	}
	return &opencvBackend{net: net}, nil
}

func (b *opencvBackend) Name() string { return config.BackendOpenCV }

func (b *opencvBackend) Infer(blob gocv.Mat) (Output, error) {
	b.net.SetInput(blob, "")
	out := b.net.Forward("")
	defer out.Close()

	if out.Empty() {
		return Output{}, errors.New("empty network output")
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return Output{}, errors.Wrap(err, "read network output")
	}
	return Output{
		Data: append([]float32(nil), data...),
		Dims: out.Size(),
	}, nil
}

func (b *opencvBackend) Close() error {
	return b.net.Close()
}
