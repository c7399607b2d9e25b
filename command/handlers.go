package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/port-labs/ocean-sub007/core"
	oceansync "github.com/port-labs/ocean-sub007/sync"
)

type EventDispatcher interface {
	Dispatch(ctx context.Context, req core.InboundRequest) (core.InboundResult, error)
}

type Resyncer interface {
	Resync(ctx context.Context, kinds []string) (oceansync.Result, error)
}

type EnqueueEventCommand struct {
	dispatcher EventDispatcher
}

func NewEnqueueEventCommand(dispatcher EventDispatcher) *EnqueueEventCommand {
	return &EnqueueEventCommand{dispatcher: dispatcher}
}

func (c *EnqueueEventCommand) Execute(ctx context.Context, msg EnqueueEventMessage) error {
	if c == nil || c.dispatcher == nil {
		return commandDependencyError("command: event dispatcher is required")
	}
	out, err := c.dispatcher.Dispatch(ctx, msg.Request)
	storeResult(ctx, out)
	return err
}

type ResyncCommand struct {
	resyncer Resyncer
}

func NewResyncCommand(resyncer Resyncer) *ResyncCommand {
	return &ResyncCommand{resyncer: resyncer}
}

func (c *ResyncCommand) Execute(ctx context.Context, msg ResyncMessage) error {
	if c == nil || c.resyncer == nil {
		return commandDependencyError("command: resync runner is required")
	}
	out, err := c.resyncer.Resync(ctx, msg.Kinds)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}

var (
	_ gocmd.Commander[EnqueueEventMessage] = (*EnqueueEventCommand)(nil)
	_ gocmd.Commander[ResyncMessage]       = (*ResyncCommand)(nil)
)
