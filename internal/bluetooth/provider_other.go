//go:build !linux

package bluetooth

import "github.com/sirupsen/logrus"

// NewProvider has no backing bus on this platform.
func NewProvider(adapterPath string, logger *logrus.Logger) (Provider, error) {
	return nil, ErrNotSupported
}
