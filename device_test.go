package jaclip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevice(t *testing.T) {
	testCases := []struct {
		in      string
		want    Device
		wantErr bool
	}{
		{"cpu", DeviceCPU, false},
		{" CPU ", DeviceCPU, false},
		{"cuda", DeviceCUDA, false},
		{"cuda:0", "cuda:0", false},
		{"cuda:3", "cuda:3", false},
		{"cuda:-1", "", true},
		{"cuda:x", "", true},
		{"cpu:0", "", true},
		{"mps", "", true},
		{"", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDevice(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeviceKind(t *testing.T) {
	assert.Equal(t, DeviceCUDA, Device("cuda:2").Kind())
	assert.Equal(t, DeviceCPU, DeviceCPU.Kind())
}

func TestHostPlacer(t *testing.T) {
	p := HostPlacer{}
	assert.True(t, p.Available(DeviceCPU))
	assert.False(t, p.Available(DeviceCUDA))
	assert.Equal(t, DeviceCPU, DefaultDevice(p))
	assert.Equal(t, DeviceCPU, DefaultDevice(nil))
	assert.Equal(t, DeviceCUDA, DefaultDevice(cudaPlacer{}))

	tensor, err := NewTensor([][]int64{{1}})
	require.NoError(t, err)
	placed, err := p.Place(tensor, DeviceCPU)
	require.NoError(t, err)
	assert.Equal(t, tensor.Data(), placed.Data())

	_, err = p.Place(tensor, "cuda:0")
	require.ErrorIs(t, err, ErrDeviceUnavailable)
}
