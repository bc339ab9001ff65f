package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPartition_TruncatesToHourUTC(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{
			name: "mid-hour instant truncates down",
			in:   time.Date(2025, 5, 1, 12, 42, 13, 0, time.UTC),
			want: "2025-05-01T12",
		},
		{
			name: "exact hour is unchanged",
			in:   time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
			want: "2025-05-01T12",
		},
		{
			name: "local time converts to UTC first",
			in:   time.Date(2025, 5, 1, 14, 30, 0, 0, loc), // CEST = UTC+2
			want: "2025-05-01T12",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewPartition(tt.in).String())
		})
	}
}

func TestParsePartition(t *testing.T) {
	p, err := ParsePartition("2025-05-01T07")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 5, 1, 7, 0, 0, 0, time.UTC), p.Time())

	_, err = ParsePartition("2025-05-01 07:00")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPartition)
}

func TestPartition_Ordering(t *testing.T) {
	early := NewPartition(time.Date(2025, 5, 1, 7, 0, 0, 0, time.UTC))
	late := NewPartition(time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC))

	assert.True(t, early.Before(late))
	assert.False(t, late.Before(early))
	assert.True(t, early.Equal(NewPartition(early.Time())))
}

func TestPartition_Contains(t *testing.T) {
	p := NewPartition(time.Date(2025, 5, 1, 7, 0, 0, 0, time.UTC))

	assert.True(t, p.Contains(time.Date(2025, 5, 1, 7, 0, 0, 0, time.UTC)))
	assert.True(t, p.Contains(time.Date(2025, 5, 1, 7, 59, 59, 0, time.UTC)))
	assert.False(t, p.Contains(time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)))
	assert.False(t, p.Contains(time.Date(2025, 5, 1, 6, 59, 59, 0, time.UTC)))
}

func TestPartitionRange(t *testing.T) {
	start := NewPartition(time.Date(2025, 5, 1, 7, 0, 0, 0, time.UTC))
	end := NewPartition(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))

	r, err := NewPartitionRange(start, end)
	require.NoError(t, err)

	partitions := r.Partitions()
	require.Len(t, partitions, 4)
	assert.Equal(t, "2025-05-01T07", partitions[0].String())
	assert.Equal(t, "2025-05-01T10", partitions[3].String())

	assert.True(t, r.Contains(NewPartition(time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC))))
	assert.False(t, r.Contains(NewPartition(time.Date(2025, 5, 1, 11, 0, 0, 0, time.UTC))))

	_, err = NewPartitionRange(end, start)
	require.Error(t, err)
}

func TestParsePartitionRange(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		start   string
		end     string
		wantErr bool
	}{
		{
			name:  "explicit range",
			in:    "2025-05-01T07..2025-05-01T10",
			start: "2025-05-01T07",
			end:   "2025-05-01T10",
		},
		{
			name:  "single key names a one-partition range",
			in:    "2025-05-01T07",
			start: "2025-05-01T07",
			end:   "2025-05-01T07",
		},
		{
			name:    "inverted range",
			in:      "2025-05-01T10..2025-05-01T07",
			wantErr: true,
		},
		{
			name:    "malformed end",
			in:      "2025-05-01T07..noon",
			wantErr: true,
		},
		{
			name:    "malformed start",
			in:      "noon..2025-05-01T07",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParsePartitionRange(tt.in)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.start, r.Start.String())
			assert.Equal(t, tt.end, r.End.String())
		})
	}
}

func TestPartition_TextMarshalling(t *testing.T) {
	p := NewPartition(time.Date(2025, 5, 1, 7, 0, 0, 0, time.UTC))

	data, err := p.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2025-05-01T07", string(data))

	var parsed Partition

	require.NoError(t, parsed.UnmarshalText(data))
	assert.True(t, p.Equal(parsed))
}
