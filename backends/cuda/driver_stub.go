//go:build !linux && !darwin

package cuda

import "github.com/pkg/errors"

// loadSystemDriver is unavailable on platforms without dlopen support.
func loadSystemDriver(string) (Driver, error) {
	return nil, errors.New("the CUDA driver binding requires linux or darwin")
}
