package stream

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/livedetect/internal/vision/core"
	"github.com/babelcloud/livedetect/internal/vision/pipeline"
	"github.com/babelcloud/livedetect/internal/vision/visiontest"
)

const (
	testWidth  = 48
	testHeight = 32
)

type fakeResources struct {
	camera    core.CameraSource
	cameraErr error
	model     core.Detector
}

func (r *fakeResources) Camera(ctx context.Context) (core.CameraSource, error) {
	if r.cameraErr != nil {
		return nil, r.cameraErr
	}
	return r.camera, nil
}

func (r *fakeResources) TryModel() (core.Detector, error) {
	if r.model == nil {
		return nil, core.ErrNotReady
	}
	return r.model, nil
}

type recorder struct {
	mu     sync.Mutex
	events []core.DetectionEvent
}

func (r *recorder) Publish(ev core.DetectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func options(enc core.FrameEncoder) Options {
	return Options{
		Width:           testWidth,
		Height:          testHeight,
		MaxReadFailures: 3,
		Encoder:         enc,
	}
}

func run(t *testing.T, res Resources, opts Options) (*Session, [][]byte, error) {
	t.Helper()
	var buf bytes.Buffer
	s := NewSession(res, opts)
	err := s.Run(context.Background(), NewChunkWriter(&buf, "image/jpeg"))
	chunks, perr := ParseChunks(buf.Bytes(), "image/jpeg")
	require.NoError(t, perr)
	return s, chunks, err
}

// frameLevel returns the gray level of a chunk away from the marker.
func frameLevel(t *testing.T, chunk []byte) int {
	t.Helper()
	level, w, h, err := visiontest.DecodeLevel(chunk, 40, 24)
	require.NoError(t, err)
	assert.Equal(t, testWidth, w)
	assert.Equal(t, testHeight, h)
	return int(level)
}

func marked(t *testing.T, chunk []byte) bool {
	t.Helper()
	b, g, r, err := visiontest.DecodeBGR(chunk, 4, 4)
	require.NoError(t, err)
	return b > 200 && g < 60 && r < 60
}

func TestStreamsAnnotatedFramesInOrder(t *testing.T) {
	cam := visiontest.NewCamera(testWidth, testHeight, 10)
	events := &recorder{}
	frames := pipeline.NewFrameHub()
	opts := options(visiontest.NewEncoder())
	opts.Events = events
	opts.Frames = frames

	s, chunks, err := run(t, &fakeResources{camera: cam, model: &visiontest.Detector{}}, opts)
	require.NoError(t, err)
	require.Len(t, chunks, 10)

	for i, chunk := range chunks {
		assert.InDelta(t, int(visiontest.FrameLevel(i+1)), frameLevel(t, chunk), 4, "chunk %d", i)
		assert.True(t, marked(t, chunk), "chunk %d should carry the overlay", i)
	}

	assert.Equal(t, 1, cam.Releases())
	assert.Equal(t, []State{Starting, Streaming, Draining, Closed}, s.History())
	assert.Equal(t, Closed, s.State())

	st := s.Stats()
	assert.Equal(t, uint64(10), st.Read)
	assert.Equal(t, uint64(10), st.Emitted)
	assert.Equal(t, uint64(10), st.Annotated)

	require.Len(t, events.events, 10)
	for i, ev := range events.events {
		assert.Equal(t, s.ID(), ev.SessionID)
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.Equal(t, testWidth, ev.Width)
		assert.Len(t, ev.Detections, 1)
	}

	last, ok := frames.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(10), last.Sequence)
	assert.Equal(t, chunks[9], last.Data)
}

func TestEncodeFailureSkipsOnlyThatFrame(t *testing.T) {
	cam := visiontest.NewCamera(testWidth, testHeight, 10)
	s, chunks, err := run(t, &fakeResources{camera: cam, model: &visiontest.Detector{}}, options(visiontest.NewEncoder(5)))
	require.NoError(t, err)
	require.Len(t, chunks, 9)

	want := []int{1, 2, 3, 4, 6, 7, 8, 9, 10}
	for i, chunk := range chunks {
		assert.InDelta(t, int(visiontest.FrameLevel(want[i])), frameLevel(t, chunk), 4, "chunk %d", i)
	}
	assert.Equal(t, uint64(1), s.Stats().EncodeErrors)
	assert.Equal(t, 1, cam.Releases())
}

func TestModelUnavailableStreamsRawFrames(t *testing.T) {
	cam := visiontest.NewCamera(testWidth, testHeight, 4)
	s, chunks, err := run(t, &fakeResources{camera: cam}, options(visiontest.NewEncoder()))
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	for _, chunk := range chunks {
		assert.False(t, marked(t, chunk))
	}
	assert.Equal(t, uint64(0), s.Stats().Annotated)
}

func TestInferenceFailureSendsRawFrame(t *testing.T) {
	cam := visiontest.NewCamera(testWidth, testHeight, 5)
	detector := &visiontest.Detector{FailOn: map[int]bool{3: true}}
	s, chunks, err := run(t, &fakeResources{camera: cam, model: detector}, options(visiontest.NewEncoder()))
	require.NoError(t, err)
	require.Len(t, chunks, 5)

	for i, chunk := range chunks {
		assert.Equal(t, i != 2, marked(t, chunk), "chunk %d", i)
		assert.InDelta(t, int(visiontest.FrameLevel(i+1)), frameLevel(t, chunk), 4)
	}
	assert.Equal(t, uint64(1), s.Stats().InferenceErrors)
	assert.Equal(t, 5, detector.Calls())
}

func TestCameraUnavailableEmitsNothing(t *testing.T) {
	res := &fakeResources{cameraErr: errors.New("no camera"), model: &visiontest.Detector{}}
	s, chunks, err := run(t, res, options(visiontest.NewEncoder()))
	assert.Error(t, err)
	assert.Empty(t, chunks)
	assert.Equal(t, []State{Starting, Closed}, s.History())
}

func TestCameraBusyEmitsNothing(t *testing.T) {
	cam := visiontest.NewCamera(testWidth, testHeight, 0)
	held, err := cam.Open(context.Background())
	require.NoError(t, err)
	defer held.Release()

	_, chunks, err := run(t, &fakeResources{camera: cam}, options(visiontest.NewEncoder()))
	assert.ErrorIs(t, err, core.ErrCameraBusy)
	assert.Empty(t, chunks)
	assert.Equal(t, 0, cam.Releases())
}

type brokenPipe struct {
	bytes.Buffer
	allowed int
	writes  int
}

func (w *brokenPipe) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > w.allowed {
		return 0, errors.New("write: broken pipe")
	}
	return w.Buffer.Write(p)
}

func TestPeerDisconnectReleasesCamera(t *testing.T) {
	cam := visiontest.NewCamera(testWidth, testHeight, 0)
	w := &brokenPipe{allowed: 3}
	s := NewSession(&fakeResources{camera: cam}, options(visiontest.NewEncoder()))

	err := s.Run(context.Background(), NewChunkWriter(w, "image/jpeg"))
	assert.ErrorIs(t, err, ErrPeerGone)
	assert.Equal(t, 1, cam.Releases())
	assert.Equal(t, uint64(3), s.Stats().Emitted)

	chunks, perr := ParseChunks(w.Bytes(), "image/jpeg")
	require.NoError(t, perr)
	assert.Len(t, chunks, 3)
	assert.Equal(t, Closed, s.State())
}

type cancelAfter struct {
	bytes.Buffer
	n      int
	cancel context.CancelFunc
}

func (w *cancelAfter) Write(p []byte) (int, error) {
	n, err := w.Buffer.Write(p)
	if w.n--; w.n == 0 {
		w.cancel()
	}
	return n, err
}

func TestContextCancelDrains(t *testing.T) {
	cam := visiontest.NewCamera(testWidth, testHeight, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &cancelAfter{n: 4, cancel: cancel}

	s := NewSession(&fakeResources{camera: cam}, options(visiontest.NewEncoder()))
	err := s.Run(ctx, NewChunkWriter(w, "image/jpeg"))
	assert.NoError(t, err)
	assert.Equal(t, 1, cam.Releases())
	assert.Equal(t, uint64(4), s.Stats().Emitted)
	assert.Equal(t, []State{Starting, Streaming, Draining, Closed}, s.History())
}

func TestTransientReadFailuresAreSkipped(t *testing.T) {
	cam := visiontest.NewCamera(testWidth, testHeight, 6)
	cam.ReadErrors = map[int]error{2: core.ErrEmptyFrame, 3: core.ErrEmptyFrame}

	s, chunks, err := run(t, &fakeResources{camera: cam}, options(visiontest.NewEncoder()))
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	for i, n := range []int{1, 4, 5, 6} {
		assert.InDelta(t, int(visiontest.FrameLevel(n)), frameLevel(t, chunks[i]), 4)
	}
	assert.Equal(t, uint64(2), s.Stats().ReadFailures)
}

func TestTooManyTransientFailuresEndStream(t *testing.T) {
	cam := visiontest.NewCamera(testWidth, testHeight, 10)
	cam.ReadErrors = map[int]error{1: core.ErrEmptyFrame, 2: core.ErrEmptyFrame, 3: core.ErrEmptyFrame}

	_, chunks, err := run(t, &fakeResources{camera: cam}, options(visiontest.NewEncoder()))
	assert.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Equal(t, 1, cam.Releases())
}

func TestReadErrorEndsStream(t *testing.T) {
	cam := visiontest.NewCamera(testWidth, testHeight, 10)
	cam.ReadErrors = map[int]error{3: errors.New("v4l2: device disconnected")}

	_, chunks, err := run(t, &fakeResources{camera: cam}, options(visiontest.NewEncoder()))
	assert.ErrorContains(t, err, "device disconnected")
	assert.Len(t, chunks, 2)
	assert.Equal(t, 1, cam.Releases())
}

func TestFramesAreResizedToSessionSize(t *testing.T) {
	cam := visiontest.NewCamera(96, 64, 2)
	_, chunks, err := run(t, &fakeResources{camera: cam}, options(visiontest.NewEncoder()))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for _, chunk := range chunks {
		frameLevel(t, chunk)
	}
}

func TestManagerTracksSessions(t *testing.T) {
	cam := visiontest.NewCamera(testWidth, testHeight, 0)
	m := NewManager(&fakeResources{camera: cam}, options(visiontest.NewEncoder()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		var buf bytes.Buffer
		m.Serve(ctx, NewChunkWriter(&lockedBuffer{buf: &buf}, "image/jpeg"))
	}()

	require.Eventually(t, func() bool {
		list := m.List()
		return len(list) == 1 && list[0].State == "streaming"
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, m.Active())

	cancel()
	<-done
	assert.Equal(t, 0, m.Active())
	assert.Equal(t, uint64(1), m.Total())
	assert.Equal(t, 1, cam.Releases())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Keep memory flat while the session streams without end.
	b.buf.Reset()
	return b.buf.Write(p)
}
