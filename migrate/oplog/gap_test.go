package oplog //nolint:testpackage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/migrate-mongo/tracker"
)

type tsReader struct {
	ts  *bson.Timestamp
	err error
}

func (r tsReader) Latest(context.Context) (bson.Raw, error) {
	if r.err != nil {
		return nil, r.err
	}

	if r.ts == nil {
		return nil, tracker.ErrNotFound
	}

	return mustRaw(bson.D{{"ts", *r.ts}}), nil
}

func TestMeasureGap(t *testing.T) {
	t.Parallel()

	at := func(sec, inc uint32) *bson.Timestamp {
		v := ts(sec, inc)

		return &v
	}

	tests := []struct {
		name    string
		source  *bson.Timestamp
		target  *bson.Timestamp
		seconds int64
		ops     int64
		text    string
	}{
		{
			name:    "seconds behind",
			source:  at(100, 2),
			target:  at(95, 9),
			seconds: 5,
			text:    "Target is behind by 5 seconds & 0000 operations; Target: 95.9, Source: 100.2",
		},
		{
			name:    "same second",
			source:  at(100, 7),
			target:  at(100, 3),
			ops:     4,
			text:    "Target is behind by 0 seconds & 0004 operations; Target: 100.3, Source: 100.7",
		},
		{
			name:    "no checkpoint yet",
			source:  at(100, 1),
			seconds: 100,
			text:    "Target is behind by 100 seconds & 0000 operations; Target: 0.0, Source: 100.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gap, err := MeasureGap(t.Context(), tsReader{ts: tt.source}, tsReader{ts: tt.target})
			require.NoError(t, err)

			assert.Equal(t, tt.seconds, gap.Seconds())
			assert.Equal(t, tt.ops, gap.Operations())
			assert.Equal(t, tt.text, gap.String())
		})
	}
}

func TestMeasureGapErrors(t *testing.T) {
	t.Parallel()

	_, err := MeasureGap(t.Context(), tsReader{}, tsReader{})
	require.ErrorIs(t, err, tracker.ErrNotFound)

	src := ts(1, 1)

	_, err = MeasureGap(t.Context(), tsReader{ts: &src}, tsReader{err: assert.AnError})
	require.ErrorIs(t, err, assert.AnError)
}
