package vision

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/platelog/internal/config"
)

// NewDetector builds the detector selected by cfg.Provider, spaced by
// cfg.MinInterval. The returned close func releases model resources and is
// never nil.
func NewDetector(cfg config.DetectorConfig) (Detector, func(), error) {
	var (
		det     Detector
		closeFn = func() {}
	)

	switch cfg.Provider {
	case "roboflow", "":
		rf, err := NewRoboflowDetector(cfg)
		if err != nil {
			return nil, nil, err
		}
		det = rf

	case "onnx":
		if cfg.ModelPath == "" {
			return nil, nil, fmt.Errorf("detector model_path is required for onnx provider")
		}
		lib := cfg.LibraryPath
		if lib == "" {
			lib = defaultONNXLibrary()
		}
		ort.SetSharedLibraryPath(lib)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, nil, fmt.Errorf("init onnx runtime: %w", err)
		}
		od, err := NewONNXDetector(cfg.ModelPath, float32(cfg.Threshold), nil)
		if err != nil {
			ort.DestroyEnvironment()
			return nil, nil, err
		}
		det = od
		closeFn = func() {
			od.Close()
			ort.DestroyEnvironment()
		}

	default:
		return nil, nil, fmt.Errorf("unknown detector provider %q", cfg.Provider)
	}

	if cfg.MinInterval > 0 {
		det = NewRateLimitedDetector(det, cfg.MinInterval)
	}
	return det, closeFn, nil
}

// defaultONNXLibrary returns the ONNX Runtime shared library name for the
// current OS.
func defaultONNXLibrary() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}
