//go:build !linux

package coronet

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
)

// reactor is unavailable off Linux; pools start with networking
// disabled and every network call fails with ErrNotSupported.
type reactor struct{}

func newReactor(zerolog.Logger) (*reactor, error) {
	return nil, fmt.Errorf("%w: no reactor for %s", ErrNotSupported, runtime.GOOS)
}

func (r *reactor) register(int) (*source, error) { return nil, ErrNotSupported }

func (r *reactor) deregister(s *source) error {
	for _, w := range s.shutdown() {
		w.Wake()
	}
	return nil
}

func (r *reactor) close() error { return nil }
