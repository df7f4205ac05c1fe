package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var v *viper.Viper

const appName = "livedetect"

func init() {
	reset()
}

// reset rebuilds the viper instance from defaults, environment and the
// optional config file. Tests call it after changing the environment.
func reset() {
	v = viper.New()

	v.SetDefault("server.port", 5001)
	v.SetDefault("server.open_browser", false)

	v.SetDefault("model.path", filepath.Join("models", "best.onnx"))
	v.SetDefault("model.labels", "")
	v.SetDefault("model.backend", BackendOpenCV)
	v.SetDefault("model.runtime_path", "")
	v.SetDefault("model.input_size", 640)
	v.SetDefault("model.input_name", "images")
	v.SetDefault("model.output_name", "output0")
	v.SetDefault("model.iou_threshold", 0.45)
	v.SetDefault("model.max_detections", 300)
	v.SetDefault("model.workers", 1)
	v.SetDefault("model.load_timeout", 30*time.Second)

	v.SetDefault("camera.device", "0")
	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)
	v.SetDefault("camera.open_timeout", 5*time.Second)
	v.SetDefault("camera.lease_timeout", 5*time.Second)
	v.SetDefault("camera.keep_open", false)
	v.SetDefault("camera.max_read_failures", 5)

	v.SetDefault("stream.jpeg_quality", 95)

	v.SetDefault("resources.retry_backoff", 2*time.Second)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost:1883")
	v.SetDefault("mqtt.topic", "livedetect/detections")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.encoding", EncodingJSON)
	v.SetDefault("mqtt.qos", 0)

	// Environment variables
	v.SetEnvPrefix(appName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("server.port", "PORT", "LIVEDETECT_SERVER_PORT")
	v.BindEnv("model.path", "MODEL_PATH", "LIVEDETECT_MODEL_PATH")
	v.BindEnv("model.labels", "MODEL_LABELS", "LIVEDETECT_MODEL_LABELS")
	v.BindEnv("model.backend", "MODEL_BACKEND", "LIVEDETECT_MODEL_BACKEND")
	v.BindEnv("model.runtime_path", "DETECTION_RUNTIME_PATH", "LIVEDETECT_MODEL_RUNTIME_PATH")
	v.BindEnv("camera.device", "CAMERA_DEVICE", "LIVEDETECT_CAMERA_DEVICE")
	v.BindEnv("mqtt.broker", "MQTT_BROKER", "LIVEDETECT_MQTT_BROKER")

	// Config file
	if file := os.Getenv("LIVEDETECT_CONFIG"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, path := range ConfigPaths() {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// ConfigPaths lists the directories searched for config.yaml, in order.
func ConfigPaths() []string {
	return []string{
		".",
		filepath.Join(xdg.ConfigHome, appName),
		filepath.Join("/etc", appName),
	}
}

// ConfigFileUsed returns the config file that was loaded, if any.
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}

// BindFlag makes an explicitly passed CLI flag override key.
func BindFlag(key string, flag *pflag.Flag) error {
	return v.BindPFlag(key, flag)
}

// Set overrides a config key, typically from an explicitly passed CLI flag.
func Set(key string, value interface{}) {
	v.Set(key, value)
}

const (
	BackendOpenCV      = "opencv"
	BackendONNXRuntime = "onnxruntime"

	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

type ServerConfig struct {
	Port        int
	OpenBrowser bool
}

// ModelConfig describes where the detection model lives and how to run it.
type ModelConfig struct {
	Path          string
	Labels        string
	Backend       string
	RuntimePath   string
	InputSize     int
	InputName     string
	OutputName    string
	IoUThreshold  float64
	MaxDetections int
	Workers       int
	LoadTimeout   time.Duration
}

// CameraConfig describes the capture device and how sessions share it.
type CameraConfig struct {
	Device          string
	Width           int
	Height          int
	OpenTimeout     time.Duration
	LeaseTimeout    time.Duration
	KeepOpen        bool
	MaxReadFailures int
}

type StreamConfig struct {
	JPEGQuality int
}

type MQTTConfig struct {
	Enabled  bool
	Broker   string
	Topic    string
	ClientID string
	Encoding string
	QoS      byte
}

func Server() ServerConfig {
	return ServerConfig{
		Port:        v.GetInt("server.port"),
		OpenBrowser: v.GetBool("server.open_browser"),
	}
}

func Model() ModelConfig {
	return ModelConfig{
		Path:          v.GetString("model.path"),
		Labels:        v.GetString("model.labels"),
		Backend:       strings.ToLower(v.GetString("model.backend")),
		RuntimePath:   v.GetString("model.runtime_path"),
		InputSize:     v.GetInt("model.input_size"),
		InputName:     v.GetString("model.input_name"),
		OutputName:    v.GetString("model.output_name"),
		IoUThreshold:  v.GetFloat64("model.iou_threshold"),
		MaxDetections: v.GetInt("model.max_detections"),
		Workers:       v.GetInt("model.workers"),
		LoadTimeout:   v.GetDuration("model.load_timeout"),
	}
}

func Camera() CameraConfig {
	return CameraConfig{
		Device:          v.GetString("camera.device"),
		Width:           v.GetInt("camera.width"),
		Height:          v.GetInt("camera.height"),
		OpenTimeout:     v.GetDuration("camera.open_timeout"),
		LeaseTimeout:    v.GetDuration("camera.lease_timeout"),
		KeepOpen:        v.GetBool("camera.keep_open"),
		MaxReadFailures: v.GetInt("camera.max_read_failures"),
	}
}

func Stream() StreamConfig {
	return StreamConfig{
		JPEGQuality: v.GetInt("stream.jpeg_quality"),
	}
}

func MQTT() MQTTConfig {
	return MQTTConfig{
		Enabled:  v.GetBool("mqtt.enabled"),
		Broker:   v.GetString("mqtt.broker"),
		Topic:    v.GetString("mqtt.topic"),
		ClientID: v.GetString("mqtt.client_id"),
		Encoding: strings.ToLower(v.GetString("mqtt.encoding")),
		QoS:      byte(v.GetInt("mqtt.qos")),
	}
}

// RetryBackoff is how long a failed resource stays failed before the next
// caller may try to build it again.
func RetryBackoff() time.Duration {
	return v.GetDuration("resources.retry_backoff")
}

// Validate checks the values that would otherwise fail deep inside a
// session or at model load time.
func Validate() error {
	m := Model()
	switch m.Backend {
	case BackendOpenCV, BackendONNXRuntime:
	default:
		return errors.Errorf("unknown model.backend %q (want %s or %s)", m.Backend, BackendOpenCV, BackendONNXRuntime)
	}
	if m.InputSize <= 0 || m.InputSize%32 != 0 {
		return errors.Errorf("model.input_size must be a positive multiple of 32, got %d", m.InputSize)
	}
	if m.IoUThreshold <= 0 || m.IoUThreshold > 1 {
		return errors.Errorf("model.iou_threshold must be in (0, 1], got %v", m.IoUThreshold)
	}
	if m.Workers < 1 {
		return errors.Errorf("model.workers must be at least 1, got %d", m.Workers)
	}

	c := Camera()
	if c.Width <= 0 || c.Height <= 0 {
		return errors.Errorf("camera size must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.MaxReadFailures < 1 {
		return errors.Errorf("camera.max_read_failures must be at least 1, got %d", c.MaxReadFailures)
	}

	if q := Stream().JPEGQuality; q < 1 || q > 100 {
		return errors.Errorf("stream.jpeg_quality must be between 1 and 100, got %d", q)
	}

	mq := MQTT()
	if mq.Enabled {
		if mq.Encoding != EncodingJSON && mq.Encoding != EncodingMsgpack {
			return errors.Errorf("unknown mqtt.encoding %q", mq.Encoding)
		}
		if mq.QoS > 2 {
			return errors.Errorf("mqtt.qos must be 0, 1 or 2, got %d", mq.QoS)
		}
	}
	return nil
}
