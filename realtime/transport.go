package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// TokenFunc returns the current bearer credential, or "" when unauthenticated.
// It is called fresh at every connect and reconnect, never cached,
// so a token refreshed by the auth module is honored on the next handshake.
type TokenFunc func() string

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (self State) String() string {
	switch self {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// the transport delivers inbound frames and connection transitions upward.
// it holds no references to channels, only this callback surface,
// so ownership stays with the client.
type transportRouter interface {
	route(message *Message)
	connectionUp()
	connectionDown()
}

// transport owns the one physical websocket of a client.
// only the transport writes to the socket. channels request sends through it.
type transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url       string
	authToken TokenFunc
	router    transportRouter
	settings  *RealtimeSettings

	// the outbound send queue, drained in order by the session writer.
	// capped at ControlQueueSize. anything still queued when a new session
	// starts is purged; see drainControls.
	controls chan *Message

	stateMutex  sync.Mutex
	state       State
	stateNotify chan struct{}
	runStarted  bool
}

func newTransport(
	ctx context.Context,
	url string,
	authToken TokenFunc,
	router transportRouter,
	settings *RealtimeSettings,
) *transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &transport{
		ctx:         cancelCtx,
		cancel:      cancel,
		url:         url,
		authToken:   authToken,
		router:      router,
		settings:    settings,
		controls:    make(chan *Message, settings.ControlQueueSize),
		state:       StateDisconnected,
		stateNotify: make(chan struct{}),
	}
}

func (self *transport) nextRef() string {
	return ulid.Make().String()
}

func (self *transport) State() State {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

func (self *transport) stateSnapshot() (State, chan struct{}) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state, self.stateNotify
}

func (self *transport) setState(state State) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.state == state {
		return
	}
	glog.V(1).Infof("[rt]%s -> %s\n", self.state, state)
	self.state = state
	close(self.stateNotify)
	self.stateNotify = make(chan struct{})
}

// connect is idempotent. the first call starts the run loop;
// every call waits until the transport is connected or the timeout elapses.
// a timeout leaves the run loop retrying in the background.
func (self *transport) connect() error {
	self.stateMutex.Lock()
	if !self.runStarted {
		select {
		case <-self.ctx.Done():
			self.stateMutex.Unlock()
			return fmt.Errorf("%w: transport closed", ErrConnect)
		default:
		}
		self.runStarted = true
		self.stateMutex.Unlock()
		go self.run()
	} else {
		self.stateMutex.Unlock()
	}

	deadline := time.NewTimer(self.settings.ConnectTimeout)
	defer deadline.Stop()
	for {
		state, notify := self.stateSnapshot()
		if state == StateConnected {
			return nil
		}
		select {
		case <-self.ctx.Done():
			return fmt.Errorf("%w: transport closed", ErrConnect)
		case <-deadline.C:
			return fmt.Errorf("%w: handshake did not complete within %s", ErrConnect, self.settings.ConnectTimeout)
		case <-notify:
		}
	}
}

// close is terminal. it cancels any in-flight reconnect attempt
// and tears down the socket.
func (self *transport) close() {
	self.cancel()
}

func (self *transport) run() {
	defer func() {
		self.cancel()
		self.setState(StateDisconnected)
	}()

	backoff := newReconnect(self.settings.ReconnectMinTimeout, self.settings.ReconnectMaxTimeout)
	for {
		self.setState(StateConnecting)
		ws, err := self.dial()
		if err != nil {
			glog.Infof("[rt]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-backoff.After():
				continue
			}
		}
		backoff.Reset()
		self.drainControls()
		self.setState(StateConnected)
		self.router.connectionUp()

		self.handle(ws)

		self.setState(StateConnecting)
		self.router.connectionDown()
		select {
		case <-self.ctx.Done():
			return
		case <-backoff.After():
		}
	}
}

// dial opens the websocket and performs the hello handshake,
// presenting the bearer credential resolved at call time.
func (self *transport) dial() (*websocket.Conn, error) {
	token := ""
	if self.authToken != nil {
		token = self.authToken()
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if token != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, header)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	hello := &Message{
		Event:   EventHello,
		Payload: requirePayload(&HelloPayload{Token: token}),
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteJSON(hello); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	reply := &Message{}
	if err := ws.ReadJSON(reply); err != nil {
		return nil, err
	}
	if reply.Event != EventHello {
		return nil, fmt.Errorf("handshake response error: %s", reply.Event)
	}
	replyPayload := &HelloPayload{}
	if err := json.Unmarshal(reply.Payload, replyPayload); err != nil {
		return nil, fmt.Errorf("handshake response error: %s", err)
	}
	if replyPayload.Status != ReplyStatusOk {
		return nil, fmt.Errorf("handshake rejected: %s", replyPayload.Reason)
	}

	success = true
	return ws, nil
}

// drainControls discards whatever is still queued when a new session starts.
// every channel with a subscription outstanding re-sends it on connectionUp,
// and application data is never retried, so anything left over from before
// the connect is stale.
func (self *transport) drainControls() {
	for {
		select {
		case message := <-self.controls:
			glog.V(2).Infof("[rt]purge %s %s\n", message.Topic, message.Event)
		default:
			return
		}
	}
}

// handle runs the writer and reader for one socket and returns when either ends.
// a bad frame is skipped; only socket errors end the session.
func (self *transport) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-self.controls:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(message); err != nil {
					// a websocket write deadline timeout cannot be recovered
					glog.Infof("[rt]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[rt]->%s %s\n", message.Topic, message.Event)
			case <-time.After(self.settings.PingTimeout):
				heartbeat := &Message{
					Event: EventHeartbeat,
					Ref:   self.nextRef(),
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(heartbeat); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, frame, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[rt]<- error = %s\n", err)
			return
		}

		message := &Message{}
		if err := json.Unmarshal(frame, message); err != nil {
			// one malformed frame never ends the session
			glog.Infof("[rt]<- skip bad frame = %s\n", err)
			continue
		}
		switch message.Event {
		case EventHeartbeat:
			glog.V(2).Infof("[rt]<- heartbeat\n")
		default:
			glog.V(2).Infof("[rt]<-%s %s\n", message.Topic, message.Event)
			self.router.route(message)
		}
	}
}

// sendControl queues a subscription control message.
// while disconnected the request is carried by the channel state and
// re-sent at connect; a full queue fails with ErrNotConnected after
// the send timeout.
func (self *transport) sendControl(message *Message) error {
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("%w: transport closed", ErrChannelClosed)
	case self.controls <- message:
		return nil
	case <-time.After(self.settings.SendTimeout):
		return fmt.Errorf("%w: control queue full", ErrNotConnected)
	}
}

// sendNow sends application data. unlike control messages it is never queued
// across a disconnect, since broadcasts are not retried.
func (self *transport) sendNow(message *Message) error {
	if self.State() != StateConnected {
		return fmt.Errorf("%w: broadcast sends are not queued", ErrNotConnected)
	}
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("%w: transport closed", ErrChannelClosed)
	case self.controls <- message:
		return nil
	case <-time.After(self.settings.SendTimeout):
		return fmt.Errorf("%w: send queue full", ErrNotConnected)
	}
}
