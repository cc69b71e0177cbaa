package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"1KB", KB},
		{"100MB", 100 * MB},
		{"1.5 GB", GB + GB/2},
		{"2Gi", 2 * GB},
		{"1t", TB},
		{" 7 b ", 7},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "abc", "10XB", "-5MB"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.50 KB", Format(1536))
	assert.Equal(t, "100.00 MB", Format(100*MB))
}

func TestSizeYAML(t *testing.T) {
	var cfg struct {
		A Size `yaml:"a"`
		B Size `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 4096\nb: 10MB\n"), &cfg))
	assert.Equal(t, int64(4096), cfg.A.Bytes())
	assert.Equal(t, 10*MB, cfg.B.Bytes())

	assert.Error(t, yaml.Unmarshal([]byte("a: lots\n"), &cfg))

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "b: 10485760")
}

func TestSizeFlagValue(t *testing.T) {
	var s Size
	require.NoError(t, s.Set("2MB"))
	assert.Equal(t, 2*MB, s.Bytes())
	assert.Equal(t, "size", s.Type())
	assert.Error(t, s.Set("nope"))
}
