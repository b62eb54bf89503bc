package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type ChannelState int

const (
	ChannelIdle ChannelState = iota
	ChannelSubscribing
	ChannelSubscribed
	ChannelUnsubscribed
	ChannelClosed
)

func (self ChannelState) String() string {
	switch self {
	case ChannelIdle:
		return "idle"
	case ChannelSubscribing:
		return "subscribing"
	case ChannelSubscribed:
		return "subscribed"
	case ChannelUnsubscribed:
		return "unsubscribed"
	case ChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type changeListener struct {
	kind     ChangeKind
	filter   *compiledFilter
	callback ChangeCallback
}

type broadcastListener struct {
	event    string
	callback BroadcastCallback
}

// Channel is a named subscription scope multiplexed over the client's one
// transport connection. Requesting the same name from one client always
// returns the same Channel instance.
//
// Listeners must all be registered before `Subscribe` is called, because the
// server needs the full filter set at subscription time. Once subscribed,
// events for this channel are dispatched to listeners in exactly the order
// the transport received them, one at a time. Listeners on different
// channels run concurrently with respect to each other.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   *Client
	name     string
	settings *RealtimeSettings

	// the per-channel ordered dispatch queue.
	// a single goroutine drains it, which serializes delivery.
	events chan *Message

	stateMutex         sync.Mutex
	state              ChannelState
	changeListeners    []*changeListener
	broadcastListeners []*broadcastListener
	errorCallback      ErrorCallback
	// ref of the latest subscription request. replies with a stale ref are ignored.
	subscribeRef string
	// reached Subscribed at least once.
	// distinguishes a failed resubscription from a first rejection.
	subscribed bool
	// one-shot futures for callers blocked in Subscribe
	waiters []chan error
}

func newChannel(client *Client, name string) *Channel {
	cancelCtx, cancel := context.WithCancel(client.ctx)
	channel := &Channel{
		ctx:      cancelCtx,
		cancel:   cancel,
		client:   client,
		name:     name,
		settings: client.settings,
		events:   make(chan *Message, client.settings.ChannelQueueSize),
		state:    ChannelIdle,
	}
	go channel.run()
	return channel
}

func (self *Channel) Name() string {
	return self.name
}

func (self *Channel) State() ChannelState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

// OnInsert registers a callback for rows inserted into the filtered table.
func (self *Channel) OnInsert(filter ChangeFilter, callback ChangeCallback) error {
	return self.onChange(ChangeInsert, filter, callback)
}

// OnUpdate registers a callback for rows updated in the filtered table.
func (self *Channel) OnUpdate(filter ChangeFilter, callback ChangeCallback) error {
	return self.onChange(ChangeUpdate, filter, callback)
}

// OnDelete registers a callback for rows deleted from the filtered table.
func (self *Channel) OnDelete(filter ChangeFilter, callback ChangeCallback) error {
	return self.onChange(ChangeDelete, filter, callback)
}

func (self *Channel) onChange(kind ChangeKind, filter ChangeFilter, callback ChangeCallback) error {
	compiled, err := filter.compile()
	if err != nil {
		return err
	}

	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	switch self.state {
	case ChannelIdle:
	case ChannelUnsubscribed, ChannelClosed:
		return fmt.Errorf("%w: %w: %s", ErrAlreadySubscribing, ErrChannelClosed, self.name)
	default:
		return fmt.Errorf("%w: %s is %s", ErrAlreadySubscribing, self.name, self.state)
	}
	self.changeListeners = append(self.changeListeners, &changeListener{
		kind:     kind,
		filter:   compiled,
		callback: callback,
	})
	return nil
}

// OnBroadcast registers a callback for application-defined messages
// published under the given event name.
func (self *Channel) OnBroadcast(event string, callback BroadcastCallback) error {
	if event == "" {
		return fmt.Errorf("%w: broadcast event name required", ErrInvalidFilter)
	}

	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	switch self.state {
	case ChannelIdle:
	case ChannelUnsubscribed, ChannelClosed:
		return fmt.Errorf("%w: %w: %s", ErrAlreadySubscribing, ErrChannelClosed, self.name)
	default:
		return fmt.Errorf("%w: %s is %s", ErrAlreadySubscribing, self.name, self.state)
	}
	self.broadcastListeners = append(self.broadcastListeners, &broadcastListener{
		event:    event,
		callback: callback,
	})
	return nil
}

// OnError attaches the designated listener for background failures,
// currently only failed resubscription after a reconnect.
// It may be set at any time before the channel closes.
func (self *Channel) OnError(callback ErrorCallback) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	self.errorCallback = callback
}

// Subscribe sends one subscription request carrying the compiled filter set
// of every registered listener.
//
// With blockUntilSubscribed the call waits for the server acknowledgment,
// the subscribe timeout, or ctx. A caller that stops waiting does not
// withdraw the request. If the acknowledgment arrives later the channel
// still transitions to subscribed.
//
// Without blockUntilSubscribed the call returns once the request is queued.
// The server forwards no events before acknowledging the subscription, so
// nothing is delivered (or buffered) until the acknowledgment is processed.
func (self *Channel) Subscribe(ctx context.Context, blockUntilSubscribed bool) error {
	self.stateMutex.Lock()
	switch self.state {
	case ChannelUnsubscribed, ChannelClosed:
		self.stateMutex.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelClosed, self.name)
	case ChannelSubscribed:
		self.stateMutex.Unlock()
		return nil
	}
	var ref string
	var payload *SubscribePayload
	if self.state == ChannelIdle {
		ref = self.client.transport.nextRef()
		self.subscribeRef = ref
		payload = self.subscribePayload()
		self.state = ChannelSubscribing
	}
	var waiter chan error
	if blockUntilSubscribed {
		waiter = make(chan error, 1)
		self.waiters = append(self.waiters, waiter)
	}
	self.stateMutex.Unlock()

	if payload != nil {
		message := &Message{
			Topic:   self.name,
			Event:   EventSubscribe,
			Ref:     ref,
			Payload: requirePayload(payload),
		}
		if err := self.client.transport.sendControl(message); err != nil {
			// the request never entered the queue. roll back to idle
			// unless something else moved the channel on.
			self.stateMutex.Lock()
			if self.subscribeRef == ref && !self.subscribed && self.state == ChannelSubscribing {
				self.state = ChannelIdle
				self.subscribeRef = ""
			}
			self.stateMutex.Unlock()
			return err
		}
	}

	if !blockUntilSubscribed {
		return nil
	}

	timeout := time.NewTimer(self.settings.SubscribeTimeout)
	defer timeout.Stop()
	select {
	case err := <-waiter:
		return err
	case <-timeout.C:
		return fmt.Errorf("%w: %s", ErrSubscriptionTimeout, self.name)
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return fmt.Errorf("%w: %s", ErrChannelClosed, self.name)
	}
}

// must hold stateMutex
func (self *Channel) subscribePayload() *SubscribePayload {
	payload := &SubscribePayload{}
	for _, listener := range self.changeListeners {
		payload.Changes = append(payload.Changes, &ChangeSubscription{
			Kind:   string(listener.kind),
			Schema: listener.filter.schema,
			Table:  listener.filter.table,
			Filter: listener.filter.token,
		})
	}
	broadcastEvents := map[string]bool{}
	for _, listener := range self.broadcastListeners {
		broadcastEvents[listener.event] = true
	}
	if 0 < len(broadcastEvents) {
		payload.Broadcasts = maps.Keys(broadcastEvents)
		sort.Strings(payload.Broadcasts)
	}
	return payload
}

// Unsubscribe sends a best-effort unsubscribe control message, releases all
// listener registrations, and removes the channel from the client registry.
// Calling it again is a no-op.
func (self *Channel) Unsubscribe() error {
	self.stateMutex.Lock()
	if self.state == ChannelUnsubscribed || self.state == ChannelClosed {
		self.stateMutex.Unlock()
		return nil
	}
	wasActive := self.state == ChannelSubscribing || self.state == ChannelSubscribed
	self.state = ChannelUnsubscribed
	self.changeListeners = nil
	self.broadcastListeners = nil
	self.subscribed = false
	waiters := self.waiters
	self.waiters = nil
	self.stateMutex.Unlock()

	for _, waiter := range waiters {
		waiter <- fmt.Errorf("%w: %s", ErrChannelClosed, self.name)
	}

	if wasActive {
		// no acknowledgment required
		message := &Message{
			Topic: self.name,
			Event: EventUnsubscribe,
			Ref:   self.client.transport.nextRef(),
		}
		if err := self.client.transport.sendControl(message); err != nil {
			glog.V(1).Infof("[rtc]%s unsubscribe send error = %s\n", self.name, err)
		}
	}

	self.client.removeChannel(self)
	self.cancel()
	return nil
}

// Publish sends one application broadcast on this channel.
// Broadcasts are not queued across a disconnect; sending while the
// transport is down fails with ErrNotConnected.
func (self *Channel) Publish(event string, payload any) error {
	if event == "" {
		return fmt.Errorf("%w: broadcast event name required", ErrInvalidFilter)
	}
	self.stateMutex.Lock()
	closed := self.state == ChannelUnsubscribed || self.state == ChannelClosed
	self.stateMutex.Unlock()
	if closed {
		return fmt.Errorf("%w: %s", ErrChannelClosed, self.name)
	}

	payloadBytes, err := encodePayload(payload)
	if err != nil {
		return err
	}
	message := &Message{
		Topic: self.name,
		Event: EventBroadcast,
		Ref:   self.client.transport.nextRef(),
		Payload: requirePayload(&BroadcastPayload{
			Event:   event,
			Payload: payloadBytes,
		}),
	}
	return self.client.transport.sendNow(message)
}

// enqueue hands one inbound message to the dispatch queue, preserving the
// order the transport received it. A saturated queue drops the message
// after a bounded wait rather than stalling the transport reader forever.
func (self *Channel) enqueue(message *Message) {
	select {
	case self.events <- message:
	case <-self.ctx.Done():
	case <-time.After(self.settings.DispatchTimeout):
		glog.Infof("[rtc]%s drop %s\n", self.name, message.Event)
	}
}

func (self *Channel) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.events:
			self.handleMessage(message)
		}
	}
}

func (self *Channel) handleMessage(message *Message) {
	switch message.Event {
	case EventReply:
		self.handleReply(message)
	case EventInsert, EventUpdate, EventDelete:
		self.handleChange(message)
	case EventBroadcast:
		self.handleBroadcast(message)
	default:
		glog.V(2).Infof("[rtc]%s skip %s\n", self.name, message.Event)
	}
}

func (self *Channel) handleReply(message *Message) {
	payload := &ReplyPayload{}
	if err := json.Unmarshal(message.Payload, payload); err != nil {
		glog.Infof("[rtc]%s skip bad reply = %s\n", self.name, err)
		return
	}

	self.stateMutex.Lock()
	if message.Ref != self.subscribeRef {
		self.stateMutex.Unlock()
		glog.V(2).Infof("[rtc]%s stale reply %s\n", self.name, message.Ref)
		return
	}

	if payload.Status == ReplyStatusOk {
		if self.state == ChannelSubscribing {
			self.state = ChannelSubscribed
		}
		self.subscribed = true
		waiters := self.waiters
		self.waiters = nil
		self.stateMutex.Unlock()

		glog.V(1).Infof("[rtc]%s subscribed\n", self.name)
		for _, waiter := range waiters {
			waiter <- nil
		}
		return
	}

	resubscribing := self.subscribed
	if !resubscribing && self.state == ChannelSubscribing {
		// first subscription rejected. back to idle so the caller can
		// fix the filters and try again.
		self.state = ChannelIdle
		self.subscribeRef = ""
	}
	waiters := self.waiters
	self.waiters = nil
	self.stateMutex.Unlock()

	if resubscribing {
		// the channel stays subscribing. the next reconnect retries.
		self.surfaceError(fmt.Errorf("%w: %s: %s", ErrResubscriptionFailed, self.name, payload.Reason))
		return
	}
	err := fmt.Errorf("subscribe %s rejected: %s", self.name, payload.Reason)
	if len(waiters) == 0 {
		self.surfaceError(err)
	}
	for _, waiter := range waiters {
		waiter <- err
	}
}

func (self *Channel) handleChange(message *Message) {
	self.stateMutex.Lock()
	subscribed := self.state == ChannelSubscribed
	listeners := self.changeListeners
	self.stateMutex.Unlock()
	if !subscribed {
		glog.V(2).Infof("[rtc]%s drop %s before subscribed\n", self.name, message.Event)
		return
	}

	payload := &ChangePayload{}
	if err := json.Unmarshal(message.Payload, payload); err != nil {
		glog.Infof("[rtc]%s skip bad %s = %s\n", self.name, message.Event, err)
		return
	}

	kind := ChangeKind(message.Event)
	event := &ChangeEvent{
		Kind:       kind,
		Schema:     payload.Schema,
		Table:      payload.Table,
		NewRecord:  payload.NewRecord,
		OldRecord:  payload.OldRecord,
		ReceivedAt: time.Now(),
	}
	// predicates are applied server side; re-validate defensively
	record := payload.NewRecord
	if kind == ChangeDelete {
		record = payload.OldRecord
	}
	for _, listener := range listeners {
		if listener.kind != kind {
			continue
		}
		if !listener.filter.matchesScope(payload.Schema, payload.Table) {
			continue
		}
		if !listener.filter.matchesRecord(record) {
			continue
		}
		listener.callback(event)
	}
}

func (self *Channel) handleBroadcast(message *Message) {
	self.stateMutex.Lock()
	subscribed := self.state == ChannelSubscribed
	listeners := self.broadcastListeners
	self.stateMutex.Unlock()
	if !subscribed {
		glog.V(2).Infof("[rtc]%s drop broadcast before subscribed\n", self.name)
		return
	}

	payload := &BroadcastPayload{}
	if err := json.Unmarshal(message.Payload, payload); err != nil {
		glog.Infof("[rtc]%s skip bad broadcast = %s\n", self.name, err)
		return
	}

	event := &BroadcastEvent{
		Event:      payload.Event,
		Payload:    payload.Payload,
		ReceivedAt: time.Now(),
	}
	for _, listener := range listeners {
		if listener.event != payload.Event {
			continue
		}
		listener.callback(event)
	}
}

// markReconnecting is called when the transport drops.
// A subscribed channel becomes subscribing again, keeping its listener
// registrations so a successful reconnect can silently resubscribe it.
func (self *Channel) markReconnecting() {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.state == ChannelSubscribed {
		self.state = ChannelSubscribing
	}
}

// resubscribe re-sends the subscription request when a connection comes up.
// It covers a previously acknowledged channel after a reconnect and a first
// subscription whose request was still unacknowledged when the transport
// dropped. The caller never re-registers.
func (self *Channel) resubscribe() {
	self.stateMutex.Lock()
	if self.state != ChannelSubscribing || self.subscribeRef == "" {
		self.stateMutex.Unlock()
		return
	}
	ref := self.client.transport.nextRef()
	self.subscribeRef = ref
	payload := self.subscribePayload()
	self.stateMutex.Unlock()

	message := &Message{
		Topic:   self.name,
		Event:   EventSubscribe,
		Ref:     ref,
		Payload: requirePayload(payload),
	}
	if err := self.client.transport.sendControl(message); err != nil {
		self.surfaceError(fmt.Errorf("%w: %s: %s", ErrResubscriptionFailed, self.name, err))
	}
}

func (self *Channel) surfaceError(err error) {
	self.stateMutex.Lock()
	callback := self.errorCallback
	self.stateMutex.Unlock()
	if callback != nil {
		callback(err)
	} else {
		glog.Infof("[rtc]%s error = %s\n", self.name, err)
	}
}

// closeChannel is terminal, used when the client disconnects.
// Pending subscribe waits fail with ErrChannelClosed.
func (self *Channel) closeChannel() {
	self.stateMutex.Lock()
	if self.state == ChannelClosed {
		self.stateMutex.Unlock()
		return
	}
	self.state = ChannelClosed
	self.changeListeners = nil
	self.broadcastListeners = nil
	self.subscribed = false
	waiters := self.waiters
	self.waiters = nil
	self.stateMutex.Unlock()

	for _, waiter := range waiters {
		waiter <- fmt.Errorf("%w: %s", ErrChannelClosed, self.name)
	}
	self.cancel()
}
