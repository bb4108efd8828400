package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// Models
	RetinaFaceModelPath string
	FaceNetModelPath    string
	YOLOModelPath       string
	YOLOLabelPath       string
	ORTLibraryPath      string
	ORTThreads          int
	// OutputQuant holds zero point and scale of integer model outputs by
	// tensor name, as "name=zp:scale" pairs in EDGEGUARD_OUTPUT_QUANT
	OutputQuant map[string]Quant

	// Scheduling
	FacePoolSize     int
	SecurityPoolSize int
	CoreCount        int
	QueueCapacity    int
	NotifyInterval   time.Duration

	// Recognition
	RegistryPath   string
	MatchThreshold float64

	// Camera
	CameraIndex  int
	CameraWidth  int
	CameraHeight int
	CameraFPS    int

	// Logging
	LogLevel  string
	LogFormat string
	LogDir    string
}

// Quant is the affine quantization of one integer model output
type Quant struct {
	ZeroPoint int32
	Scale     float32
}

// Load reads an optional .env file, then the environment. Values already
// set in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	quant, err := parseQuant(os.Getenv("EDGEGUARD_OUTPUT_QUANT"))
	if err != nil {
		return nil, fmt.Errorf("EDGEGUARD_OUTPUT_QUANT: %w", err)
	}

	modelDir := getEnv("EDGEGUARD_MODEL_DIR", filepath.Join(".", "assets", "model"))
	return &Config{
		RetinaFaceModelPath: getEnv("EDGEGUARD_RETINAFACE_MODEL", filepath.Join(modelDir, "retina_face.onnx")),
		FaceNetModelPath:    getEnv("EDGEGUARD_FACENET_MODEL", filepath.Join(modelDir, "facenet.onnx")),
		YOLOModelPath:       getEnv("EDGEGUARD_YOLO_MODEL", filepath.Join(modelDir, "yolo11s.onnx")),
		YOLOLabelPath:       getEnv("EDGEGUARD_YOLO_LABELS", filepath.Join(modelDir, "coco_80_labels_list.txt")),
		ORTLibraryPath:      getEnv("EDGEGUARD_ORT_LIB", ""),
		ORTThreads:          getEnvAsInt("EDGEGUARD_ORT_THREADS", 1),
		OutputQuant:         quant,

		FacePoolSize:     getEnvAsInt("EDGEGUARD_FACE_POOL_SIZE", 10),
		SecurityPoolSize: getEnvAsInt("EDGEGUARD_SECURITY_POOL_SIZE", 10),
		CoreCount:        getEnvAsInt("EDGEGUARD_CORES", 3),
		QueueCapacity:    getEnvAsInt("EDGEGUARD_QUEUE_CAPACITY", 30),
		NotifyInterval:   getEnvAsDuration("EDGEGUARD_NOTIFY_INTERVAL", 500*time.Millisecond),

		RegistryPath:   getEnv("EDGEGUARD_REGISTRY", filepath.Join(".", "faces.db")),
		MatchThreshold: getEnvAsFloat("EDGEGUARD_MATCH_THRESHOLD", 0.6),

		CameraIndex:  getEnvAsInt("EDGEGUARD_CAMERA", 0),
		CameraWidth:  getEnvAsInt("EDGEGUARD_CAMERA_WIDTH", 1280),
		CameraHeight: getEnvAsInt("EDGEGUARD_CAMERA_HEIGHT", 720),
		CameraFPS:    getEnvAsInt("EDGEGUARD_CAMERA_FPS", 30),

		LogLevel:  getEnv("EDGEGUARD_LOG_LEVEL", "info"),
		LogFormat: getEnv("EDGEGUARD_LOG_FORMAT", "text"),
		LogDir:    getEnv("EDGEGUARD_LOG_DIR", ""),
	}, nil
}

// Validate rejects sizes and thresholds the pools cannot run with
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"face pool size":     c.FacePoolSize,
		"security pool size": c.SecurityPoolSize,
		"core count":         c.CoreCount,
		"queue capacity":     c.QueueCapacity,
		"ort threads":        c.ORTThreads,
		"camera width":       c.CameraWidth,
		"camera height":      c.CameraHeight,
		"camera fps":         c.CameraFPS,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 2 {
		errs = append(errs, fmt.Errorf("match threshold must be in (0, 2], got %v", c.MatchThreshold))
	}
	if c.NotifyInterval < 0 {
		errs = append(errs, fmt.Errorf("notify interval must not be negative, got %v", c.NotifyInterval))
	}
	return errors.Join(errs...)
}

// parseQuant reads comma separated "name=zp:scale" pairs
func parseQuant(value string) (map[string]Quant, error) {
	quant := make(map[string]Quant)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, params, ok := strings.Cut(pair, "=")
		zp, scale, ok2 := strings.Cut(params, ":")
		if !ok || !ok2 || name == "" {
			return nil, fmt.Errorf("%q is not name=zp:scale", pair)
		}
		z, err := strconv.ParseInt(strings.TrimSpace(zp), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s: zero point: %w", name, err)
		}
		s, err := strconv.ParseFloat(strings.TrimSpace(scale), 32)
		if err != nil {
			return nil, fmt.Errorf("%s: scale: %w", name, err)
		}
		if s <= 0 {
			return nil, fmt.Errorf("%s: scale must be positive, got %v", name, s)
		}
		quant[strings.TrimSpace(name)] = Quant{ZeroPoint: int32(z), Scale: float32(s)}
	}
	return quant, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
