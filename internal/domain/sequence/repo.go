package sequence

import (
	"context"
	"time"
)

type Repository interface {
	// Next bumps the (scope, day) counter and returns the new value. Inside a
	// transaction the counter row stays locked until commit.
	Next(ctx context.Context, scope Scope, day time.Time) (int, error)
	Current(ctx context.Context, scope Scope, day time.Time) (int, error)
}
