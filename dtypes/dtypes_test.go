package dtypes

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMapOfNames(t *testing.T) {
	require.Equal(t, Float32, MapOfNames["Float32"])
	require.Equal(t, Float32, MapOfNames["float32"])
	require.Equal(t, Float32, MapOfNames["f4"])

	require.Equal(t, Complex128, MapOfNames["Complex128"])
	require.Equal(t, Complex128, MapOfNames["c16"])

	dtype, err := FromName("c8")
	require.NoError(t, err)
	require.Equal(t, Complex64, dtype)

	_, err = FromName("int7")
	require.Error(t, err)
}

func TestSizesAndDepth(t *testing.T) {
	require.Equal(t, 4, Float32.Size())
	require.Equal(t, 8, Float64.Size())
	require.Equal(t, 8, Complex64.Size())
	require.Equal(t, 16, Complex128.Size())
	require.Equal(t, 2, Float16.Size())

	require.Equal(t, 1, Float64.Depth())
	require.Equal(t, 2, Complex64.Depth())
	require.True(t, Complex128.IsComplex())
	require.False(t, Float32.IsComplex())

	require.Equal(t, Float32, Complex64.Real())
	require.Equal(t, Float64, Complex128.Real())
	require.Equal(t, Float64, Float64.Real())
}

func TestDeviceSupported(t *testing.T) {
	for _, dtype := range DeviceSupportedDTypes {
		require.True(t, dtype.DeviceSupported(), "dtype %s", dtype)
	}
	require.False(t, Float16.DeviceSupported())
	require.False(t, InvalidDType.DeviceSupported())
}

func TestFromGenericsType(t *testing.T) {
	require.Equal(t, Float32, FromGenericsType[float32]())
	require.Equal(t, Float64, FromGenericsType[float64]())
	require.Equal(t, Complex64, FromGenericsType[complex64]())
	require.Equal(t, Complex128, FromGenericsType[complex128]())
}

func TestSliceBytesRoundTrip(t *testing.T) {
	data := []complex64{1 + 2i, 3 + 4i, 5 + 6i}
	raw := SliceToBytes(data)
	require.Len(t, raw, 3*Complex64.Size())
	back := BytesToSlice[complex64](raw)
	require.Equal(t, data, back)

	require.Nil(t, SliceToBytes[float32](nil))
	require.Nil(t, BytesToSlice[float64](make([]byte, 7)))
}

func TestScalarToBytes(t *testing.T) {
	raw, err := ScalarToBytes(Float32, complex(1.5, 0))
	require.NoError(t, err)
	require.Equal(t, []float32{1.5}, BytesToSlice[float32](raw))

	raw, err = ScalarToBytes(Complex128, complex(3, -5))
	require.NoError(t, err)
	require.Equal(t, []complex128{3 - 5i}, BytesToSlice[complex128](raw))

	// The imaginary part is dropped for real dtypes.
	raw, err = ScalarToBytes(Float64, complex(2, 9))
	require.NoError(t, err)
	require.Equal(t, []float64{2}, BytesToSlice[float64](raw))

	raw, err = ScalarToBytes(Float16, complex(0.5, 0))
	require.NoError(t, err)
	require.Len(t, raw, 2)
	require.Equal(t, float32(0.5), float16.Fromfloat32(0.5).Float32())

	_, err = ScalarToBytes(InvalidDType, 0)
	require.Error(t, err)
}
