package client

import (
	"context"
	"fmt"
	"time"

	"github.com/helenejs/helene/internal/protocol"
)

const (
	subscribeDebounce     = 100 * time.Millisecond
	subscribeFlushTimeout = 5 * time.Second
)

type subResult struct {
	ok  bool
	err error
}

// Subscribe joins an event on a channel. Requests within the debounce window
// batch into one rpc:on per channel; the return value is the server's
// verdict for this event.
func (c *Client) Subscribe(ctx context.Context, channel, event string) (bool, error) {
	return c.enqueueSubscription(ctx, channel, event, true)
}

// Unsubscribe leaves an event on a channel, batching like Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, channel, event string) (bool, error) {
	return c.enqueueSubscription(ctx, channel, event, false)
}

// Subscriptions returns the channel→events map the client believes it holds.
func (c *Client) Subscriptions() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]string, len(c.subs))
	for channel, events := range c.subs {
		for event := range events {
			out[channel] = append(out[channel], event)
		}
	}
	return out
}

func (c *Client) enqueueSubscription(ctx context.Context, channel, event string, on bool) (bool, error) {
	if channel == "" {
		channel = protocol.NoChannel
	}
	waiter := make(chan subResult, 1)

	c.mu.Lock()
	pendingSet := c.pendingOn
	if !on {
		pendingSet = c.pendingOff
	}
	if pendingSet[channel] == nil {
		pendingSet[channel] = make(map[string][]chan subResult)
	}
	pendingSet[channel][event] = append(pendingSet[channel][event], waiter)
	if c.flushTimer == nil {
		c.flushTimer = time.AfterFunc(subscribeDebounce, c.flushSubscriptions)
	}
	c.mu.Unlock()

	select {
	case res := <-waiter:
		return res.ok, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.closed:
		return false, fmt.Errorf("client closed")
	}
}

// flushSubscriptions drains the pending sets, issuing one rpc:on or rpc:off
// per channel and distributing the per-event booleans to the waiters.
func (c *Client) flushSubscriptions() {
	c.mu.Lock()
	on := c.pendingOn
	off := c.pendingOff
	c.pendingOn = make(map[string]map[string][]chan subResult)
	c.pendingOff = make(map[string]map[string][]chan subResult)
	c.flushTimer = nil
	c.mu.Unlock()

	for channel, events := range on {
		c.flushChannel(protocol.MethodRPCOn, channel, events)
	}
	for channel, events := range off {
		c.flushChannel(protocol.MethodRPCOff, channel, events)
	}
}

func (c *Client) flushChannel(method, channel string, waiters map[string][]chan subResult) {
	names := make([]string, 0, len(waiters))
	for event := range waiters {
		names = append(names, event)
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeFlushTimeout)
	defer cancel()
	result, err := c.Call(ctx, method, map[string]any{
		"events":  names,
		"channel": channel,
	}, &CallOptions{Timeout: subscribeFlushTimeout})

	verdicts, _ := result.(map[string]any)
	for event, chans := range waiters {
		res := subResult{err: err}
		if err == nil {
			ok, _ := verdicts[event].(bool)
			res.ok = ok
			c.recordSubscription(channel, event, method == protocol.MethodRPCOn && ok)
		}
		for _, ch := range chans {
			ch <- res
		}
	}
}

func (c *Client) recordSubscription(channel, event string, subscribed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subscribed {
		if c.subs[channel] == nil {
			c.subs[channel] = make(map[string]bool)
		}
		c.subs[channel][event] = true
		return
	}
	delete(c.subs[channel], event)
	if len(c.subs[channel]) == 0 {
		delete(c.subs, channel)
	}
}

// resubscribeAllChannels re-issues rpc:on for every channel the client
// believes it holds, after a reconnect.
func (c *Client) resubscribeAllChannels(ctx context.Context) {
	c.mu.Lock()
	snapshot := make(map[string][]string, len(c.subs))
	for channel, events := range c.subs {
		for event := range events {
			snapshot[channel] = append(snapshot[channel], event)
		}
	}
	c.mu.Unlock()

	for channel, events := range snapshot {
		_, err := c.Call(ctx, protocol.MethodRPCOn, map[string]any{
			"events":  events,
			"channel": channel,
		}, &CallOptions{Timeout: subscribeFlushTimeout, IgnoreInit: true})
		if err != nil {
			c.logger.Warn().Err(err).Str("channel", channel).Msg("Resubscription failed")
		}
	}
}
