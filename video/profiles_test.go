package video

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProfileByName(t *testing.T) {
	p, ok := ProfileByName("720p")
	require.True(t, ok)
	require.Equal(t, int64(1280), p.Width)
	require.Equal(t, int64(720), p.Height)
	require.Equal(t, int64(2766), p.VideoKbps)
	require.Equal(t, int64(2766000), p.Bandwidth())

	_, ok = ProfileByName("4k")
	require.False(t, ok)
}

func TestFilterValidResolutionsNeverUpscales(t *testing.T) {
	tests := []struct {
		name         string
		requested    []string
		sourceHeight int64
		expected     []string
	}{
		{
			name:         "720p source keeps 720p and below",
			requested:    []string{"720p", "480p", "360p"},
			sourceHeight: 720,
			expected:     []string{"720p", "480p", "360p"},
		},
		{
			name:         "360p source drops 1080p silently",
			requested:    []string{"1080p", "240p"},
			sourceHeight: 360,
			expected:     []string{"240p"},
		},
		{
			name:         "requested order is preserved",
			requested:    []string{"240p", "480p", "360p"},
			sourceHeight: 1080,
			expected:     []string{"240p", "480p", "360p"},
		},
		{
			name:         "tiny source keeps nothing",
			requested:    []string{"1080p", "720p"},
			sourceHeight: 200,
			expected:     []string{},
		},
		{
			name:         "unknown names are dropped",
			requested:    []string{"480p", "4k"},
			sourceHeight: 1080,
			expected:     []string{"480p"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterValidResolutions(tt.requested, tt.sourceHeight)
			require.Equal(t, tt.expected, got)
			for _, name := range got {
				p, ok := ProfileByName(name)
				require.True(t, ok)
				require.LessOrEqual(t, p.Height, tt.sourceHeight)
			}
		})
	}
}

func TestSortByHeightDesc(t *testing.T) {
	sorted := SortByHeightDesc([]string{"360p", "1080p", "240p", "720p"})
	require.Equal(t, []string{"1080p", "720p", "360p", "240p"}, sorted)

	// input slice must not be mutated
	in := []string{"240p", "720p"}
	_ = SortByHeightDesc(in)
	require.Equal(t, []string{"240p", "720p"}, in)
}

func TestAllResolutions(t *testing.T) {
	require.Equal(t, []string{"1080p", "720p", "480p", "360p", "240p"}, AllResolutions())
}
