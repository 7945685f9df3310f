package stream

import (
	"context"
	"errors"

	"taskboard/domain"
)

// Fanout publishes to every publisher in order. All publishers are tried;
// their errors are joined.
type Fanout []domain.Publisher

func (f Fanout) Publish(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
