package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinor(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"12.34", 1234, false},
		{"-12.34", -1234, false},
		{"+7.5", 750, false},
		{"-12.3", -1230, false},
		{"5", 500, false},
		{"0.07", 7, false},
		{"-0.07", -7, false},
		{".99", 99, false},
		{" 4.50 ", 450, false},
		{"", 0, true},
		{"12.345", 0, true}, // sub-cent precision is a source bug
		{"abc", 0, true},
		{"12.x", 0, true},
	}
	for _, c := range cases {
		got, err := ParseMinor(c.in)
		if c.wantErr {
			assert.Error(t, err, "input %q", c.in)
			continue
		}
		require.NoError(t, err, "input %q", c.in)
		assert.Equal(t, c.want, got, "input %q", c.in)
	}
}

func TestFormatMinor(t *testing.T) {
	assert.Equal(t, "-4.50", FormatMinor(-450))
	assert.Equal(t, "4.50", FormatMinor(450))
	assert.Equal(t, "0.07", FormatMinor(7))
	assert.Equal(t, "0.00", FormatMinor(0))
	assert.Equal(t, "1024.00", FormatMinor(102400))
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, v := range []int64{-102400, -450, -7, 0, 7, 450, 102400} {
		got, err := ParseMinor(FormatMinor(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}
