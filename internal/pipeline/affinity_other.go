//go:build !linux

package pipeline

import "errors"

func setAffinity([]int) error {
	return errors.New("cpu affinity is only supported on linux")
}
