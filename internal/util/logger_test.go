package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompatLoggerFollowsInitLogger(t *testing.T) {
	l := GetComponentCompatLogger("http")

	var buf bytes.Buffer
	InitLoggerTo(&buf, false)
	t.Cleanup(func() { InitLogger(false) })

	l.Infof("viewer %s joined", "10.0.0.2")
	l.Warnf("camera %d busy", 0)
	l.Debugf("hidden %d", 1)

	out := buf.String()
	assert.Contains(t, out, `level=INFO msg="viewer 10.0.0.2 joined" component=http`)
	assert.Contains(t, out, `level=WARN msg="camera 0 busy" component=http`)
	assert.NotContains(t, out, "hidden")
}

func TestCompatLoggerDebugWhenVerbose(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, true)
	t.Cleanup(func() { InitLogger(false) })

	GetCompatLogger().Debugf("frame %d encoded", 7)
	GetCompatLogger().Errorf("encode failed: %v", "boom")

	out := buf.String()
	assert.Contains(t, out, `level=DEBUG msg="frame 7 encoded"`)
	assert.Contains(t, out, `level=ERROR msg="encode failed: boom"`)
}

func TestStdLoggerWritesWarn(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, false)
	t.Cleanup(func() { InitLogger(false) })

	NewStdLogger("http").Printf("http: TLS handshake error\n")
	assert.Contains(t, buf.String(), `level=WARN msg="http: TLS handshake error" component=http`)
}
