package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxUsername
)

var ErrNoIdentity = errors.New("user_id not in context")

func WithIdentity(ctx context.Context, userID int64, username string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxUsername, username)
	return ctx
}

func UserID(ctx context.Context) (int64, error) {
	if id, ok := ctx.Value(ctxUserID).(int64); ok && id > 0 {
		return id, nil
	}
	return 0, ErrNoIdentity
}

func Username(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxUsername).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("username not in context")
}
