package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// SessionLimit reports not ready once count returns limit or more. A limit
// of zero or less never fails.
func SessionLimit(count func() int, limit int) Checker {
	return Checker{
		Name: "sessions",
		Check: func(context.Context) error {
			if limit <= 0 {
				return nil
			}
			if n := count(); n >= limit {
				return fmt.Errorf("%d sessions open, limit %d", n, limit)
			}
			return nil
		},
	}
}

// Detector probes engine by creating and closing a detector for cfg. It
// catches engines that build but cannot allocate their native state.
func Detector(engine vad.Engine, cfg vad.Config) Checker {
	return Checker{
		Name: "detector",
		Check: func(ctx context.Context) error {
			if engine == nil {
				return errors.New("no detector engine")
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := engine.NewDetector(cfg)
			if err != nil {
				return err
			}
			return d.Close()
		},
	}
}
