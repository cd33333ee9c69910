package store

import (
	"context"
	"errors"
)

// Sink receives successful registrations.
type Sink interface {
	Save(ctx context.Context, rec Record) error
}

type multiSink []Sink

// Multi fans a record out to every sink. All sinks are tried; their errors
// are joined.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Save(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
