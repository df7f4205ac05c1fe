package detect

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/babelcloud/livedetect/config"
	"github.com/babelcloud/livedetect/internal/vision/core"
)

type fakeBackend struct {
	out    Output
	err    error
	delay  time.Duration
	inUse  atomic.Int32
	calls  atomic.Int32
	closed atomic.Bool
	t      *testing.T
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Infer(blob gocv.Mat) (Output, error) {
	if b.inUse.Add(1) != 1 {
		b.t.Errorf("backend used concurrently")
	}
	defer b.inUse.Add(-1)
	b.calls.Add(1)
	time.Sleep(b.delay)

	if blob.Size()[2] != 64 || blob.Size()[3] != 64 {
		return Output{}, errors.Errorf("unexpected blob %v", blob.Size())
	}
	return b.out, b.err
}

func (b *fakeBackend) Close() error {
	b.closed.Store(true)
	return nil
}

func engineConfig() config.ModelConfig {
	return config.ModelConfig{
		Backend:       "fake",
		InputSize:     64,
		IoUThreshold:  0.45,
		MaxDetections: 10,
		Workers:       1,
	}
}

func oneBox() Output {
	return v5Output([]float32{32, 32, 16, 16, 0.9, 0.9, 0.1})
}

func blackFrame() gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 128, 128, gocv.MatTypeCV8UC3)
}

func TestEngineDetectDrawsOnCopy(t *testing.T) {
	backend := &fakeBackend{out: oneBox(), t: t}
	engine := NewEngineWithBackends(engineConfig(), []string{"person", "car"}, backend)
	defer engine.Close()

	frame := blackFrame()
	defer frame.Close()

	res, err := engine.Detect(frame)
	require.NoError(t, err)
	defer res.Close()

	require.Len(t, res.Detections, 1)
	d := res.Detections[0]
	assert.Equal(t, "person", d.Label)
	assert.Equal(t, core.Box{X: 48, Y: 48, Width: 32, Height: 32}, d.Box)

	assert.Equal(t, frame.Rows(), res.Frame.Rows())
	assert.Equal(t, frame.Cols(), res.Frame.Cols())
	assert.Zero(t, frame.Sum().Val1+frame.Sum().Val2+frame.Sum().Val3, "input frame must stay untouched")
	assert.NotZero(t, res.Frame.Sum().Val1+res.Frame.Sum().Val2+res.Frame.Sum().Val3, "overlay must be drawn")

	frames, failures := engine.Stats()
	assert.Equal(t, uint64(1), frames)
	assert.Equal(t, uint64(0), failures)
	assert.Equal(t, "fake", engine.BackendName())
}

func TestEngineBackendError(t *testing.T) {
	backend := &fakeBackend{err: errors.New("shape mismatch"), t: t}
	engine := NewEngineWithBackends(engineConfig(), nil, backend)
	defer engine.Close()

	frame := blackFrame()
	defer frame.Close()

	_, err := engine.Detect(frame)
	assert.ErrorContains(t, err, "shape mismatch")
	_, failures := engine.Stats()
	assert.Equal(t, uint64(1), failures)
}

func TestEngineRejectsInvalidFrames(t *testing.T) {
	engine := NewEngineWithBackends(engineConfig(), nil, &fakeBackend{out: oneBox(), t: t})
	defer engine.Close()

	empty := gocv.NewMat()
	defer empty.Close()
	_, err := engine.Detect(empty)
	assert.ErrorIs(t, err, core.ErrInvalidFrame)

	gray := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8U)
	defer gray.Close()
	_, err = engine.Detect(gray)
	assert.ErrorIs(t, err, core.ErrInvalidFrame)
}

func TestEnginePoolsBackends(t *testing.T) {
	a := &fakeBackend{out: oneBox(), delay: 5 * time.Millisecond, t: t}
	b := &fakeBackend{out: oneBox(), delay: 5 * time.Millisecond, t: t}
	engine := NewEngineWithBackends(engineConfig(), []string{"person", "car"}, a, b)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frame := blackFrame()
			defer frame.Close()
			res, err := engine.Detect(frame)
			if assert.NoError(t, err) {
				res.Close()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(8), a.calls.Load()+b.calls.Load())

	require.NoError(t, engine.Close())
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())

	frame := blackFrame()
	defer frame.Close()
	_, err := engine.Detect(frame)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestNewEngineUnknownBackend(t *testing.T) {
	cfg := engineConfig()
	cfg.Backend = "tpu"
	cfg.Labels = writeFile(t, "labels.txt", "a\n")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	_, err := NewEngine(ctx, cfg)
	assert.ErrorContains(t, err, "unknown backend")
}

func TestNewEngineMissingWeights(t *testing.T) {
	cfg := engineConfig()
	cfg.Backend = config.BackendOpenCV
	cfg.Path = "/nonexistent/best.onnx"
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	_, err := NewEngine(ctx, cfg)
	assert.Error(t, err)
}
