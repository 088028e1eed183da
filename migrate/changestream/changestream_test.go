package changestream //nolint:testpackage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/migrate-mongo/migrate/oplog"
)

func mustRaw(v any) bson.Raw {
	data, err := bson.Marshal(v)
	if err != nil {
		panic(err)
	}

	return data
}

func extJSON(t *testing.T, v any) string {
	t.Helper()

	if raw, ok := v.(bson.Raw); ok {
		return raw.String()
	}

	data, err := bson.Marshal(v)
	require.NoError(t, err)

	return bson.Raw(data).String()
}

func event(op OperationType, sec uint32, db, coll string, extra ...bson.E) bson.Raw {
	doc := bson.D{
		{"_id", bson.D{{"_data", "token"}}},
		{"operationType", string(op)},
		{"clusterTime", bson.Timestamp{T: sec, I: 1}},
		{"ns", bson.D{{"db", db}, {"coll", coll}}},
	}

	return mustRaw(append(doc, extra...))
}

func TestToOp(t *testing.T) {
	t.Parallel()

	order := bson.D{{"_id", 1}, {"qty", 2}}

	tests := []struct {
		name    string
		raw     bson.Raw
		skip    bool
		model   string
		filter  bson.D
		command bson.D
		err     bool
	}{
		{
			name:   "insert",
			raw:    event(Insert, 1, "shop", "orders", bson.E{"fullDocument", order}),
			model:  "replace",
			filter: bson.D{{"_id", 1}},
		},
		{
			name: "update",
			raw: event(Update, 2, "shop", "orders",
				bson.E{"documentKey", bson.D{{"_id", 1}}},
				bson.E{"fullDocument", order}),
			model:  "replace",
			filter: bson.D{{"_id", 1}},
		},
		{
			name: "update of a deleted document",
			raw: event(Update, 3, "shop", "orders",
				bson.E{"documentKey", bson.D{{"_id", 1}}},
				bson.E{"fullDocument", nil}),
			skip: true,
		},
		{
			name:   "replace",
			raw:    event(Replace, 4, "shop", "orders", bson.E{"fullDocument", order}),
			model:  "replace",
			filter: bson.D{{"_id", 1}},
		},
		{
			name:   "delete",
			raw:    event(Delete, 5, "shop", "orders", bson.E{"documentKey", bson.D{{"_id", 1}}}),
			model:  "delete",
			filter: bson.D{{"_id", 1}},
		},
		{
			name:    "drop",
			raw:     event(Drop, 6, "shop", "orders"),
			command: bson.D{{"drop", "orders"}},
		},
		{
			name: "system collection",
			raw:  event(Insert, 7, "shop", "system.views", bson.E{"fullDocument", order}),
			skip: true,
		},
		{
			name: "unsupported",
			raw:  event(OperationType("dropDatabase"), 8, "shop", ""),
			err:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, err := ParseEvent(tt.raw)
			require.NoError(t, err)

			op, ok, err := ToOp(&e)
			if tt.err {
				require.ErrorIs(t, err, errUnsupportedEvent)
				assert.False(t, ok)

				return
			}

			require.NoError(t, err)

			if tt.skip {
				assert.False(t, ok)

				return
			}

			require.True(t, ok)
			assert.Equal(t, e.ClusterTime, op.TS)

			if tt.command != nil {
				require.NotNil(t, op.Command)
				assert.Equal(t, "shop", op.Command.Database)
				assert.Equal(t, extJSON(t, tt.command), extJSON(t, op.Command.O))

				return
			}

			switch m := op.Model.(type) {
			case *mongo.ReplaceOneModel:
				assert.Equal(t, "replace", tt.model)
				assert.Equal(t, extJSON(t, tt.filter), extJSON(t, m.Filter))
				assert.Equal(t, extJSON(t, order), extJSON(t, m.Replacement))
				require.NotNil(t, m.Upsert)
				assert.True(t, *m.Upsert)
			case *mongo.DeleteOneModel:
				assert.Equal(t, "delete", tt.model)
				assert.Equal(t, extJSON(t, tt.filter), extJSON(t, m.Filter))
			default:
				t.Fatalf("unexpected model %T", op.Model)
			}
		})
	}
}

type sliceStream struct {
	events []bson.Raw
	pos    int
}

func (s *sliceStream) TryNext(context.Context) bool {
	if s.pos < len(s.events) {
		s.pos++

		return true
	}

	time.Sleep(time.Millisecond)

	return false
}

func (s *sliceStream) Current() bson.Raw {
	return s.events[s.pos-1]
}

func (s *sliceStream) Err() error {
	return nil
}

func (s *sliceStream) Close(context.Context) error {
	return nil
}

func TestReader(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	stream := &sliceStream{events: []bson.Raw{
		event(Insert, 10, "shop", "orders", bson.E{"fullDocument", bson.D{{"_id", 1}}}),
		event(Update, 11, "shop", "orders", bson.E{"fullDocument", nil}),
		event(OperationType("invalidate"), 12, "shop", "orders"),
		event(Insert, 13, "shop", "orders", bson.E{"fullDocument", bson.D{{"_id", 2}}}),
		event(Delete, 14, "shop", "orders", bson.E{"documentKey", bson.D{{"_id", 1}}}),
	}}

	var from bson.Timestamp

	open := func(_ context.Context, ts bson.Timestamp) (Stream, error) {
		from = ts

		return stream, nil
	}

	var got []oplog.Op

	r := NewReader(open, oplog.ReaderOptions{BatchSize: 2, FlushInterval: 10 * time.Millisecond})

	err := r.Run(ctx, bson.Timestamp{T: 9, I: 1}, func(_ context.Context, ops []oplog.Op) error {
		got = append(got, ops...)
		if len(got) == 3 {
			cancel()
		}

		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, bson.Timestamp{T: 9, I: 1}, from)
	require.Len(t, got, 3)
	assert.Equal(t, uint32(10), got[0].TS.T)
	assert.Equal(t, uint32(13), got[1].TS.T)
	assert.Equal(t, uint32(14), got[2].TS.T)
}
