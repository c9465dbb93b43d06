package gocu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asuszko/gocu-interface/cudriver"
	"github.com/asuszko/gocu-interface/dtypes"
)

func TestDevicesBroadcastStreamCount(t *testing.T) {
	drv := cudriver.NewSimDriver(3)

	set := must1(NewDevices(drv, []int{0, 1, 2}, []int{2}))
	defer func() { must(set.Close()) }()

	require.Equal(t, 3, set.Len())
	for i, d := range set.All() {
		require.Equal(t, i, d.ID())
		require.Equal(t, 2, d.NumStreams())
	}
}

func TestDevicesPerDeviceStreamCounts(t *testing.T) {
	drv := cudriver.NewSimDriver(2)

	set := must1(NewDevices(drv, []int{0, 1}, []int{1, 3}))
	defer func() { must(set.Close()) }()

	require.Equal(t, 1, set.At(0).NumStreams())
	require.Equal(t, 3, set.At(1).NumStreams())
}

func TestDevicesConfigurationErrors(t *testing.T) {
	drv := cudriver.NewSimDriver(2)

	_, err := NewDevices(drv, nil, []int{1})
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = NewDevices(drv, []int{0, 1}, []int{1, 2, 3})
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = NewDevices(drv, []int{0, 7}, []int{1})
	require.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestDevicesSpreadWork(t *testing.T) {
	drv := cudriver.NewSimDriver(2)
	set := must1(NewDevices(drv, []int{0, 1}, []int{1}))
	defer func() { must(set.Close()) }()

	handles := make([]*DevicePtr, set.Len())
	for i, d := range set.All() {
		handles[i] = must1(d.Stream(0).Malloc([]int{64}, dtypes.Float32, FillScalar(complex(float64(i+1), 0))))
		must(handles[i].MulScalar(10))
	}
	must(set.Synchronize())
	for i, p := range handles {
		for _, v := range must1(ToHostSlice[float32](p)) {
			require.Equal(t, float32((i+1)*10), v)
		}
		must(p.Release())
	}
}

func TestDevicesCloseIdempotent(t *testing.T) {
	drv := cudriver.NewSimDriver(1)
	set := must1(NewDevices(drv, []int{0}, []int{1}))
	must(set.Close())
	must(set.Close())
}
