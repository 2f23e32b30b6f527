package kitchencache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodepointOf(t *testing.T) {
	require.Equal(t, Codepoint("1f600"), CodepointOf("😀"))
	require.Equal(t, Codepoint("2764-fe0f"), CodepointOf("❤️"))
	require.Equal(t, Codepoint("1f437"), CodepointOf("🐷"))
}

func TestCodepointOfZWJSequence(t *testing.T) {
	// Family emoji: man, ZWJ, woman, ZWJ, boy
	cp := CodepointOf("👨‍👩‍👦")
	require.Equal(t, Codepoint("1f468-200d-1f469-200d-1f466"), cp)
}

func TestCodepointOfDistinct(t *testing.T) {
	inputs := []string{"😀", "❤️", "❤", "🐷", "👍🏽", "👨‍👩‍👦"}
	seen := map[Codepoint]string{}
	for _, in := range inputs {
		cp := CodepointOf(in)
		prev, dup := seen[cp]
		require.False(t, dup, "codepoint collision between %q and %q", prev, in)
		seen[cp] = in
	}
}

func TestURLSegmentOf(t *testing.T) {
	require.Equal(t, "u1f600", URLSegmentOf("1f600"))
	require.Equal(t, "u2764-ufe0f", URLSegmentOf("2764-fe0f"))
	require.Equal(t, "u1f468-u200d-u1f469", URLSegmentOf("1f468-200d-1f469"))
}

func TestPairKeyOfCommutative(t *testing.T) {
	pairs := [][2]Codepoint{
		{"1f600", "1f437"},
		{"2764-fe0f", "1f600"},
		{"1f600", "1f600"},
		{"1f468-200d-1f469-200d-1f466", "1f437"},
	}
	for _, p := range pairs {
		require.Equal(t, PairKeyOf(p[0], p[1]), PairKeyOf(p[1], p[0]))
	}

	require.Equal(t, PairKey("1f437_1f600"), PairKeyOf("1f600", "1f437"))
}

func TestParseCodepoint(t *testing.T) {
	tests := []struct {
		in   string
		want Codepoint
	}{
		{"1f600", "1f600"},
		{"1F600", "1f600"},
		{"2764-fe0f", "2764-fe0f"},
		{"😀", "1f600"},
		{"❤️", "2764-fe0f"},
	}
	for _, tt := range tests {
		got, err := ParseCodepoint(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		require.Equal(t, tt.want, got, "input %q", tt.in)
	}

	_, err := ParseCodepoint("")
	require.Error(t, err)
}

func TestPairKeyCodepoints(t *testing.T) {
	a, b := PairKey("1f437_1f600").Codepoints()
	require.Equal(t, Codepoint("1f437"), a)
	require.Equal(t, Codepoint("1f600"), b)
}
