package onnxrt

import (
	"errors"
	"fmt"
	"os"
)

// wellKnownLibraries are probed when no path is configured.
var wellKnownLibraries = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/opt/homebrew/lib/libonnxruntime.dylib",
	"C:/onnxruntime/lib/onnxruntime.dll",
}

// DetectLibrary resolves the ONNX Runtime shared library path. Resolution
// order: the explicit argument, ARIA_ORT_LIB, ORT_LIBRARY_PATH, then the
// well-known install locations.
func DetectLibrary(explicit string) (string, error) {
	path := explicit
	if path == "" {
		path = os.Getenv("ARIA_ORT_LIB")
	}
	if path == "" {
		path = os.Getenv("ORT_LIBRARY_PATH")
	}
	if path == "" {
		for _, c := range wellKnownLibraries {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}
	if path == "" {
		return "", errors.New("onnxrt: onnxruntime library not found; set ARIA_ORT_LIB or --ort-lib")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("onnxrt: library path: %w", err)
	}
	return path, nil
}
