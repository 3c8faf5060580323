//go:build !linux

package bridge

import "errors"

// KernelLoader is only available on Linux.
type KernelLoader struct {
	ProbePath string
}

func (KernelLoader) Load(Message) (Probes, error) {
	return nil, errors.New("kernel probes require linux")
}
