//go:build !consul

package watch

import (
	"context"

	"github.com/rs/zerolog"
)

// Enabled reports false when the consul build tag is not present.
func Enabled() bool { return false }

// StartPlanWatch is a no-op without the consul tag.
func StartPlanWatch(_ context.Context, _, _ string, _ zerolog.Logger, _ func(int64)) error {
	return nil
}
