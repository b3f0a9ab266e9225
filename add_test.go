package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddCmd_Structure(t *testing.T) {
	cmd := newAddCmd()

	assert.Equal(t, "add", cmd.Name())
	assert.NotEmpty(t, cmd.Short)
	assert.NotNil(t, cmd.RunE)

	for _, name := range []string{"header", "status", "min-date", "max-date", "server"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "expected flag %q not found", name)
	}
}

func TestParseHeaderFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags []string
		want  map[string]string
	}{
		{"no flags", nil, nil},
		{
			"single header",
			[]string{"Accept: application/json"},
			map[string]string{"Accept": "application/json"},
		},
		{
			"multiple headers",
			[]string{"Accept: text/html", "User-Agent: probe/1.0"},
			map[string]string{"Accept": "text/html", "User-Agent": "probe/1.0"},
		},
		{
			"value containing colon",
			[]string{"Authorization: Bearer a:b"},
			map[string]string{"Authorization": "Bearer a:b"},
		},
		{
			"whitespace trimmed",
			[]string{"  X-Key :  spaced out  "},
			map[string]string{"X-Key": "spaced out"},
		},
		{
			"empty value allowed",
			[]string{"X-Empty:"},
			map[string]string{"X-Empty": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHeaderFlags(tt.flags)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseHeaderFlags_Invalid(t *testing.T) {
	tests := []struct {
		name string
		flag string
	}{
		{"no colon", "Accept application/json"},
		{"empty key", ": application/json"},
		{"blank key", "   : value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseHeaderFlags([]string{tt.flag})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "header")
		})
	}
}

func TestDateWindow(t *testing.T) {
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	min := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	max := time.Date(2024, time.May, 31, 0, 0, 0, 0, time.UTC)

	t.Run("both unset means no window", func(t *testing.T) {
		w, err := dateWindow(time.Time{}, time.Time{}, now)
		require.NoError(t, err)
		assert.Nil(t, w)
	})

	t.Run("min only closes at now", func(t *testing.T) {
		w, err := dateWindow(min, time.Time{}, now)
		require.NoError(t, err)
		require.NotNil(t, w)
		assert.Equal(t, min, w.Min)
		assert.Equal(t, now, w.Max)
	})

	t.Run("max only opens at epoch", func(t *testing.T) {
		w, err := dateWindow(time.Time{}, max, now)
		require.NoError(t, err)
		require.NotNil(t, w)
		assert.Equal(t, time.Unix(0, 0).UTC(), w.Min)
		assert.Equal(t, max, w.Max)
	})

	t.Run("both set", func(t *testing.T) {
		w, err := dateWindow(min, max, now)
		require.NoError(t, err)
		require.NotNil(t, w)
		assert.Equal(t, min, w.Min)
		assert.Equal(t, max, w.Max)
	})

	t.Run("inverted window", func(t *testing.T) {
		_, err := dateWindow(max, min, now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--max-date is before --min-date")
	})
}

func TestDateFlag(t *testing.T) {
	t.Run("empty returns zero time", func(t *testing.T) {
		cmd := newAddCmd()
		require.NoError(t, cmd.ParseFlags(nil))

		got, err := dateFlag(cmd, "min-date")
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("parses UTC", func(t *testing.T) {
		cmd := newAddCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--min-date", "2024-05-01 08:30:00"}))

		got, err := dateFlag(cmd, "min-date")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, time.May, 1, 8, 30, 0, 0, time.UTC), got)
	})

	t.Run("rejects malformed date", func(t *testing.T) {
		cmd := newAddCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--max-date", "yesterday"}))

		_, err := dateFlag(cmd, "max-date")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--max-date")
	})
}
