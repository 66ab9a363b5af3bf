package service

import "context"

// AddressListener 控制实时流关注哪些地址
type AddressListener interface {
	Listen(ctx context.Context, address string) error
	Unlisten(ctx context.Context, address string) error
}
