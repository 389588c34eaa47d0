package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://Example.com/path/", "https://example.com/path"},
		{"HTTP://example.com:80/a#frag", "http://example.com/a"},
		{"https://example.com:443", "https://example.com"},
		{"https://example.com:8443/x?q=1", "https://example.com:8443/x?q=1"},
		{"  https://example.com/a  ", "https://example.com/a"},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"ftp://example.com", "example.com/path", "https://"} {
		_, err := NormalizeURL(bad)
		assert.ErrorIs(t, err, ErrInvalidTarget, bad)
	}
}

func TestHashURL_SameForEquivalentURLs(t *testing.T) {
	a, err := NormalizeURL("https://EXAMPLE.com/post/")
	require.NoError(t, err)
	b, err := NormalizeURL("https://example.com/post#comments")
	require.NoError(t, err)
	assert.Equal(t, HashURL(a), HashURL(b))
	assert.Len(t, HashURL(a), 64)
}

func TestSchedule_Active(t *testing.T) {
	day := Schedule{StartHour: 9, EndHour: 17}
	night := Schedule{StartHour: 22, EndHour: 6}
	always := Schedule{}

	at := func(h int) time.Time { return time.Date(2026, 1, 1, h, 30, 0, 0, time.UTC) }

	assert.True(t, day.Active(at(9)))
	assert.False(t, day.Active(at(17)))
	assert.True(t, night.Active(at(23)))
	assert.True(t, night.Active(at(5)))
	assert.False(t, night.Active(at(12)))
	assert.True(t, always.Active(at(3)))
}
