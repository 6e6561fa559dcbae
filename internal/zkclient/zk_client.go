package zkclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZKClient is the concrete StoreClient backed by a live ZooKeeper ensemble,
// via github.com/go-zookeeper/zk. It owns the connection's raw event
// channel, translates zk.Event into our Event shape, and fans the result
// out onto a single buffered sink — the channel every other component
// reads via Events().
type ZKClient struct {
	conn *zk.Conn
	log  *slog.Logger

	events chan Event
	done   chan struct{}
}

// Dial connects to the ensemble at addrs (host:port strings) with the
// given session timeout and starts the event-translation pump. Close must
// be called to release the connection and stop the pump.
func Dial(addrs []string, sessionTimeout time.Duration, log *slog.Logger) (*ZKClient, error) {
	conn, rawEvents, err := zk.Connect(addrs, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to zookeeper %v: %w", addrs, err)
	}

	c := &ZKClient{
		conn:   conn,
		log:    log,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go c.pump(rawEvents)
	return c, nil
}

func (c *ZKClient) pump(raw <-chan zk.Event) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-raw:
			if !ok {
				return
			}
			c.deliver(translateEvent(ev, c.log))
		}
	}
}

func (c *ZKClient) deliver(e Event) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}

func translateEvent(ev zk.Event, log *slog.Logger) Event {
	if ev.Type == zk.EventSession {
		state := translateSessionState(ev.State)
		if log != nil {
			log.Debug("zookeeper session state transition", "state", ev.State.String())
		}
		return Event{Kind: EventSession, State: state, Path: ev.Path}
	}

	out := Event{Path: ev.Path}
	switch ev.Type {
	case zk.EventNodeCreated:
		out.Kind = EventCreated
	case zk.EventNodeDeleted:
		out.Kind = EventDeleted
	case zk.EventNodeDataChanged:
		out.Kind = EventChanged
	case zk.EventNodeChildrenChanged:
		out.Kind = EventChildChanged
	case zk.EventNotWatching:
		out.Kind = EventWatchRemoved
	default:
		out.Kind = EventWatchRemoved
	}
	return out
}

func translateSessionState(s zk.State) SessionState {
	switch s {
	case zk.StateConnecting, zk.StateConnectedReadOnly:
		return SessionConnecting
	case zk.StateConnected, zk.StateHasSession:
		return SessionConnected
	case zk.StateExpired:
		return SessionExpired
	default:
		return SessionUnknown
	}
}

func (c *ZKClient) Events() <-chan Event { return c.events }

func (c *ZKClient) Close() error {
	close(c.done)
	c.conn.Close()
	return nil
}

func zkACL() []zk.ACL { return zk.WorldACL(zk.PermAll) }

func zkFlags(f Flag) int32 {
	if f == FlagEphemeral {
		return zk.FlagEphemeral
	}
	return 0
}

func (c *ZKClient) Create(ctx context.Context, path, value string, flag Flag) error {
	_, err := c.conn.Create(path, []byte(value), zkFlags(flag), zkACL())
	if err != nil {
		return translateErr(err)
	}
	return nil
}

func (c *ZKClient) CreateIfAbsent(ctx context.Context, path, value string, flag Flag) error {
	return CreateIfAbsentCompose(ctx, c, path, value, flag)
}

func (c *ZKClient) CreateOrSet(ctx context.Context, path, value string, flag Flag) error {
	return CreateOrSetCompose(ctx, c, path, value, flag)
}

func (c *ZKClient) Get(ctx context.Context, path string, watch bool) (string, error) {
	if watch {
		data, _, _, err := c.conn.GetW(path)
		if err != nil {
			return "", translateErr(err)
		}
		return string(data), nil
	}
	data, _, err := c.conn.Get(path)
	if err != nil {
		return "", translateErr(err)
	}
	return string(data), nil
}

func (c *ZKClient) Set(ctx context.Context, path, value string, version int32) error {
	_, err := c.conn.Set(path, []byte(value), version)
	return translateErr(err)
}

func (c *ZKClient) Delete(ctx context.Context, path string, version int32) error {
	return translateErr(c.conn.Delete(path, version))
}

func (c *ZKClient) Exists(ctx context.Context, path string, watch bool) (bool, error) {
	if watch {
		ok, _, _, err := c.conn.ExistsW(path)
		if err != nil {
			return false, translateErr(err)
		}
		return ok, nil
	}
	ok, _, err := c.conn.Exists(path)
	if err != nil {
		return false, translateErr(err)
	}
	return ok, nil
}

func (c *ZKClient) GetChildren(ctx context.Context, path string, watch bool) ([]string, error) {
	if watch {
		children, _, _, err := c.conn.ChildrenW(path)
		if err != nil {
			return nil, translateErr(err)
		}
		return children, nil
	}
	children, _, err := c.conn.Children(path)
	if err != nil {
		return nil, translateErr(err)
	}
	return children, nil
}

func (c *ZKClient) Multi(ctx context.Context, ops ...Op) ([]OpResult, error) {
	zops := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpCreate:
			zops = append(zops, &zk.CreateRequest{Path: op.Path, Data: []byte(op.Value), Acl: zkACL(), Flags: zkFlags(op.Flag)})
		case OpSet:
			zops = append(zops, &zk.SetDataRequest{Path: op.Path, Data: []byte(op.Value), Version: op.Version})
		case OpDelete:
			zops = append(zops, &zk.DeleteRequest{Path: op.Path, Version: op.Version})
		}
	}

	responses, err := c.conn.Multi(zops...)
	if err != nil {
		return nil, translateErr(err)
	}

	results := make([]OpResult, len(responses))
	for i, r := range responses {
		results[i] = OpResult{Err: translateErr(r.Error)}
	}
	return results, nil
}

func translateErr(err error) error {
	switch err {
	case nil:
		return nil
	case zk.ErrNodeExists:
		return ErrNodeExists
	case zk.ErrNoNode:
		return ErrNoNode
	case zk.ErrNotEmpty:
		return ErrNotEmpty
	case zk.ErrBadVersion:
		return ErrBadVersion
	case zk.ErrClosing, zk.ErrConnectionClosed:
		return ErrClosed
	default:
		return fmt.Errorf("zookeeper: %w", err)
	}
}
