// Package storetest provides store doubles for exercising permissive defaults.
package storetest

import (
	"context"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/store"
)

// Broken fails every call with store.ErrUnavailable.
type Broken struct{}

var _ store.Store = Broken{}

func (Broken) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, store.ErrUnavailable
}
func (Broken) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, store.ErrUnavailable
}
func (Broken) Get(context.Context, string) (string, bool, error) {
	return "", false, store.ErrUnavailable
}
func (Broken) Set(context.Context, string, string, time.Duration) error { return store.ErrUnavailable }
func (Broken) Del(context.Context, ...string) error                     { return store.ErrUnavailable }
func (Broken) Expire(context.Context, string, time.Duration) error      { return store.ErrUnavailable }
func (Broken) ZAdd(context.Context, string, ...store.Member) error      { return store.ErrUnavailable }
func (Broken) ZRangeByScore(context.Context, string, float64, float64, int) ([]store.Member, error) {
	return nil, store.ErrUnavailable
}
func (Broken) ZRem(context.Context, string, string) (bool, error) { return false, store.ErrUnavailable }
func (Broken) ZRemRangeByScore(context.Context, string, float64, float64) (int64, error) {
	return 0, store.ErrUnavailable
}
func (Broken) ZCard(context.Context, string) (int64, error) { return 0, store.ErrUnavailable }
func (Broken) RPush(context.Context, string, ...string) (int64, error) {
	return 0, store.ErrUnavailable
}
func (Broken) LPop(context.Context, string) (string, bool, error) {
	return "", false, store.ErrUnavailable
}
func (Broken) LLen(context.Context, string) (int64, error) { return 0, store.ErrUnavailable }
func (Broken) LRange(context.Context, string, int64, int64) ([]string, error) {
	return nil, store.ErrUnavailable
}
func (Broken) Ping(context.Context) error { return store.ErrUnavailable }
func (Broken) Close() error               { return nil }
