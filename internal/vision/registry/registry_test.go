package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/livedetect/internal/vision/core"
	"github.com/babelcloud/livedetect/internal/vision/visiontest"
)

type namedDetector struct {
	visiontest.Detector
}

func (namedDetector) BackendName() string { return "fake" }

func TestConcurrentAccessConstructsOnce(t *testing.T) {
	var modelBuilds, cameraBuilds atomic.Int32
	reg := New(Options{
		Model: func(ctx context.Context) (core.Detector, error) {
			modelBuilds.Add(1)
			time.Sleep(20 * time.Millisecond)
			return &visiontest.Detector{}, nil
		},
		Camera: func(ctx context.Context) (core.CameraSource, error) {
			cameraBuilds.Add(1)
			time.Sleep(20 * time.Millisecond)
			return visiontest.NewCamera(8, 8, 0), nil
		},
	})

	var wg sync.WaitGroup
	models := make([]core.Detector, 16)
	cameras := make([]core.CameraSource, 16)
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			m, err := reg.Model(context.Background())
			assert.NoError(t, err)
			models[i] = m
		}(i)
		go func(i int) {
			defer wg.Done()
			c, err := reg.Camera(context.Background())
			assert.NoError(t, err)
			cameras[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), modelBuilds.Load())
	assert.Equal(t, int32(1), cameraBuilds.Load())
	for i := range models {
		assert.Same(t, models[0], models[i])
		assert.Same(t, cameras[0], cameras[i])
	}
}

func TestStatusIsNonBlockingAndWarms(t *testing.T) {
	release := make(chan struct{})
	cam := visiontest.NewCamera(8, 8, 0)
	reg := New(Options{
		Model: func(ctx context.Context) (core.Detector, error) {
			<-release
			return &namedDetector{}, nil
		},
		Camera: func(ctx context.Context) (core.CameraSource, error) {
			return cam, nil
		},
	})

	start := time.Now()
	st := reg.Status()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, st.ModelLoaded)
	assert.Equal(t, "", reg.BackendName())

	require.Eventually(t, func() bool { return reg.Status().CameraAvailable }, time.Second, time.Millisecond)
	assert.False(t, reg.Status().ModelLoaded)

	close(release)
	require.Eventually(t, func() bool { return reg.Status().ModelLoaded }, time.Second, time.Millisecond)
	assert.Equal(t, "fake", reg.BackendName())

	cam.Down.Store(true)
	assert.False(t, reg.Status().CameraAvailable)
}

func TestFailedResourceRecovers(t *testing.T) {
	var attempts atomic.Int32
	reg := New(Options{
		Model: func(ctx context.Context) (core.Detector, error) {
			return &visiontest.Detector{}, nil
		},
		Camera: func(ctx context.Context) (core.CameraSource, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("camera unplugged")
			}
			return visiontest.NewCamera(8, 8, 0), nil
		},
	})

	_, err := reg.Camera(context.Background())
	require.Error(t, err)

	infos := reg.Resources()
	require.Len(t, infos, 2)
	assert.Equal(t, ResourceCamera, infos[1].Name)
	assert.Equal(t, "failed", infos[1].State)
	assert.Contains(t, infos[1].Error, "camera unplugged")

	_, err = reg.Camera(context.Background())
	require.NoError(t, err)
	assert.True(t, reg.Status().CameraAvailable)
	assert.Equal(t, "ready", reg.Resources()[1].State)
}

func TestTryModelWhileLoading(t *testing.T) {
	release := make(chan struct{})
	reg := New(Options{
		Model: func(ctx context.Context) (core.Detector, error) {
			<-release
			return &visiontest.Detector{}, nil
		},
		Camera: func(ctx context.Context) (core.CameraSource, error) {
			return visiontest.NewCamera(8, 8, 0), nil
		},
	})

	_, err := reg.TryModel()
	assert.ErrorIs(t, err, core.ErrNotReady)
	close(release)
	require.Eventually(t, func() bool {
		_, err := reg.TryModel()
		return err == nil
	}, time.Second, time.Millisecond)
}

func TestClose(t *testing.T) {
	cam := visiontest.NewCamera(8, 8, 0)
	reg := New(Options{
		Model: func(ctx context.Context) (core.Detector, error) {
			return &visiontest.Detector{}, nil
		},
		Camera: func(ctx context.Context) (core.CameraSource, error) {
			return cam, nil
		},
	})
	_, err := reg.Camera(context.Background())
	require.NoError(t, err)

	require.NoError(t, reg.Close())
	assert.True(t, cam.Closed())
	_, err = reg.Camera(context.Background())
	assert.Error(t, err)
}
