package realtime

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/puzpuzpuz/xsync/v3"
)

type RealtimeSettings struct {
	// bound on the whole Connect call, handshake included
	ConnectTimeout     time.Duration
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	// backoff bounds for automatic reconnection
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	// bound on queueing one control message
	SendTimeout time.Duration
	// bound on a blocking Subscribe waiting for the server acknowledgment
	SubscribeTimeout time.Duration
	// bound on handing one inbound message to a saturated channel queue
	DispatchTimeout  time.Duration
	ControlQueueSize int
	ChannelQueueSize int
}

func DefaultRealtimeSettings() *RealtimeSettings {
	return &RealtimeSettings{
		ConnectTimeout:      10 * time.Second,
		WsHandshakeTimeout:  5 * time.Second,
		AuthTimeout:         5 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
		PingTimeout:         15 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         60 * time.Second,
		SendTimeout:         5 * time.Second,
		SubscribeTimeout:    10 * time.Second,
		DispatchTimeout:     5 * time.Second,
		ControlQueueSize:    64,
		ChannelQueueSize:    32,
	}
}

// Client is the realtime module entry point. It owns the one transport
// connection and the registry of active channels. Application code touches
// only the Client and the Channels it hands out.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RealtimeSettings

	transport *transport
	channels  *xsync.MapOf[string, *Channel]
}

func NewClientWithDefaults(ctx context.Context, url string, authToken TokenFunc) *Client {
	return NewClient(ctx, url, authToken, DefaultRealtimeSettings())
}

func NewClient(ctx context.Context, url string, authToken TokenFunc, settings *RealtimeSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		channels: xsync.NewMapOf[string, *Channel](),
	}
	client.transport = newTransport(cancelCtx, url, authToken, client, settings)
	return client
}

// Connect brings the transport up. It is idempotent: while already
// connecting or connected it never creates a second socket. After the
// first successful connect the transport reconnects on its own; a
// transient drop needs no application intervention.
func (self *Client) Connect() error {
	return self.transport.connect()
}

// Disconnect is terminal for this client. It cancels any in-flight
// reconnect attempt, closes the socket, and moves every channel to closed.
func (self *Client) Disconnect() {
	self.transport.close()
	self.cancel()
	self.channels.Range(func(name string, channel *Channel) bool {
		channel.closeChannel()
		return true
	})
	self.channels.Clear()
}

func (self *Client) State() State {
	return self.transport.State()
}

// Channel returns the channel registered under name, creating it on first
// use. Concurrent calls for the same name observe the same instance.
func (self *Client) Channel(name string) *Channel {
	channel, _ := self.channels.LoadOrCompute(name, func() *Channel {
		return newChannel(self, name)
	})
	return channel
}

func (self *Client) removeChannel(channel *Channel) {
	self.channels.Compute(
		channel.name,
		func(current *Channel, loaded bool) (*Channel, bool) {
			if loaded && current != channel {
				// a replacement was registered already. keep it.
				return current, false
			}
			return nil, true
		},
	)
}

// transportRouter

func (self *Client) route(message *Message) {
	if message.Topic == "" {
		glog.V(2).Infof("[rts]drop no topic %s\n", message.Event)
		return
	}
	channel, ok := self.channels.Load(message.Topic)
	if !ok {
		glog.V(2).Infof("[rts]drop %s no channel %s\n", message.Event, message.Topic)
		return
	}
	channel.enqueue(message)
}

func (self *Client) connectionUp() {
	self.channels.Range(func(name string, channel *Channel) bool {
		channel.resubscribe()
		return true
	})
}

func (self *Client) connectionDown() {
	self.channels.Range(func(name string, channel *Channel) bool {
		channel.markReconnecting()
		return true
	})
}
