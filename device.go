package jaclip

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Device identifies a compute device, e.g. "cpu", "cuda" or "cuda:1".
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// ErrDeviceUnavailable is returned when a placer cannot serve a device.
var ErrDeviceUnavailable = errors.New("device unavailable")

// ParseDevice validates and normalizes a device string.
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", errors.New("device cannot be empty")
	}
	kind, index, hasIndex := strings.Cut(s, ":")
	switch kind {
	case string(DeviceCPU):
		if hasIndex {
			return "", errors.Errorf("cpu device does not take an index: %s", s)
		}
		return DeviceCPU, nil
	case string(DeviceCUDA):
		if !hasIndex {
			return DeviceCUDA, nil
		}
		n, err := strconv.Atoi(index)
		if err != nil || n < 0 {
			return "", errors.Errorf("invalid cuda device index: %s", s)
		}
		return Device(s), nil
	default:
		return "", errors.Errorf("unsupported device: %s", s)
	}
}

// Kind returns the device type without index.
func (d Device) Kind() Device {
	kind, _, _ := strings.Cut(string(d), ":")
	return Device(kind)
}

// Placer moves tensors to a compute device.
type Placer interface {
	Available(d Device) bool
	Place(t *Tensor, d Device) (*Tensor, error)
}

// HostPlacer keeps tensors in host memory. It only serves DeviceCPU.
type HostPlacer struct{}

func (HostPlacer) Available(d Device) bool {
	return d == DeviceCPU
}

func (p HostPlacer) Place(t *Tensor, d Device) (*Tensor, error) {
	if !p.Available(d) {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "host placer cannot place tensor on %s", d)
	}
	return t.withDevice(d), nil
}

// DefaultDevice returns DeviceCUDA when p reports it available, DeviceCPU otherwise.
func DefaultDevice(p Placer) Device {
	if p != nil && p.Available(DeviceCUDA) {
		return DeviceCUDA
	}
	return DeviceCPU
}
