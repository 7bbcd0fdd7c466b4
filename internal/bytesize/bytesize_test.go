package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected ByteSize
	}{
		{"0", 0},
		{"1024", 1024},
		{"1Ki", KiB},
		{"1KiB", KiB},
		{"2Mi", 2 * MiB},
		{"10Gi", 10 * GiB},
		{"1Ti", TiB},
		{"100MB", 100 * MB},
		{"5GB", 5 * GB},
		{"1.5Gi", ByteSize(1.5 * float64(GiB))},
		{"  500Mi  ", 500 * MiB},
		{"42B", 42},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{"", "  ", "Gi", "12XB", "-5Mi", "abc"} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("10Gi")))
	assert.Equal(t, 10*GiB, b)

	assert.Error(t, b.UnmarshalText([]byte("bogus")))
}

func TestString(t *testing.T) {
	assert.Equal(t, "512B", ByteSize(512).String())
	assert.Equal(t, "1.00KiB", KiB.String())
	assert.Equal(t, "2.00MiB", (2 * MiB).String())
	assert.Equal(t, "10.00GiB", (10 * GiB).String())
}
