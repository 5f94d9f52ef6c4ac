package chattest

import "context"

type userKey struct{}

func withUser(ctx context.Context, u *storedUser) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

func currentUser(ctx context.Context) *storedUser {
	u, _ := ctx.Value(userKey{}).(*storedUser)
	return u
}
