package log

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Attr adds a field to a logger context.
type Attr func(zerolog.Context) zerolog.Context

func Scope(name string) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str(scopeKey, name)
	}
}

// NS tags the namespace. An empty collection tags the database only.
func NS(db, coll string) Attr {
	ns := db
	if coll != "" {
		ns += "." + coll
	}

	return func(c zerolog.Context) zerolog.Context {
		return c.Str("ns", ns)
	}
}

// OpTime tags a logical timestamp as "T.I".
func OpTime(t, i uint32) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str("op_ts", strconv.FormatUint(uint64(t), 10)+"."+strconv.FormatUint(uint64(i), 10))
	}
}

func Op(op string) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str("op", op)
	}
}

func Reader(name string) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str("reader", name)
	}
}

func RunID(id string) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str("run", id)
	}
}

func Batch(id int64) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Int64("batch", id)
	}
}

func Elapsed(d time.Duration) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str("elapsed", d.Round(time.Millisecond).String())
	}
}

func Count(n int64) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str("count", humanize.Comma(n))
	}
}

// Size tags a byte size in human readable form.
func Size(n uint64) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str("size", humanize.Bytes(n))
	}
}

func Field(key string, val any) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Interface(key, val)
	}
}
