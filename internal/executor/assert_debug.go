//go:build gatewaydebug

package executor

import "context"

func assertOn(ctx context.Context, want Role) {
	got, ok := currentRole(ctx)
	if !ok || got != want {
		panic(&ErrWrongRole{Want: want, Got: got})
	}
}
