package archive

import (
	"context"
	"errors"

	"github.com/atmx/risk-engine/internal/model"
)

// Archiver stores finished cases.
type Archiver interface {
	ArchiveCase(ctx context.Context, c model.LiquidationCase) error
}

// Fanout archives every case to all of its targets. A failing target does
// not stop the others; errors are joined.
type Fanout []Archiver

func (f Fanout) ArchiveCase(ctx context.Context, c model.LiquidationCase) error {
	var errs []error
	for _, a := range f {
		if a == nil {
			continue
		}
		if err := a.ArchiveCase(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
