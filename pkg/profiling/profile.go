package profiling

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

// Starts CPU profiling into `path` and returns a function that stops it and
// flushes the profile.
func StartCPUProfile(path string) (func(), error) {
	logrus.WithField("path", path).Info("starting CPU profiling")

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("could not create CPU profile: %w", err)
	}

	if err := pprof.StartCPUProfile(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("could not start CPU profile: %w", err)
	}

	return func() {
		pprof.StopCPUProfile()

		if err := file.Close(); err != nil {
			logrus.WithError(err).Error("could not close CPU profile")
		}
	}, nil
}

// Returns a function that writes a heap profile into `path` when called,
// usually on exit.
func HeapProfileWriter(path string) func() {
	return func() {
		if err := WriteHeapProfile(path); err != nil {
			logrus.WithError(err).Error("could not write memory profile")
		}
	}
}

func WriteHeapProfile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create memory profile: %w", err)
	}
	defer file.Close()

	runtime.GC()

	if err := pprof.WriteHeapProfile(file); err != nil {
		return fmt.Errorf("could not write memory profile: %w", err)
	}

	return nil
}
