package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type sinkFunc func(ctx context.Context, rec Record) error

func (f sinkFunc) Save(ctx context.Context, rec Record) error { return f(ctx, rec) }

func TestMulti(t *testing.T) {
	var got []string
	errA := errors.New("disk full")
	errB := errors.New("db down")

	sink := Multi(
		sinkFunc(func(_ context.Context, r Record) error { got = append(got, "a:"+r.Email); return errA }),
		nil,
		sinkFunc(func(_ context.Context, r Record) error { got = append(got, "b:"+r.Email); return nil }),
		sinkFunc(func(_ context.Context, r Record) error { got = append(got, "c:"+r.Email); return errB }),
	)

	err := sink.Save(context.Background(), Record{Email: "x@mail.test", Password: "p"})
	assert.Equal(t, []string{"a:x@mail.test", "b:x@mail.test", "c:x@mail.test"}, got)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)

	assert.NoError(t, Multi().Save(context.Background(), Record{}))
}
