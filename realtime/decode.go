package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// ChangeEvent is one decoded change-capture notification.
// NewRecord is populated for insert/update, OldRecord for update/delete.
// The event is only valid for the duration of the listener callback.
type ChangeEvent struct {
	Kind       ChangeKind
	Schema     string
	Table      string
	NewRecord  json.RawMessage
	OldRecord  json.RawMessage
	ReceivedAt time.Time
}

type BroadcastEvent struct {
	Event      string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

type ChangeCallback func(event *ChangeEvent)

type BroadcastCallback func(event *BroadcastEvent)

type ErrorCallback func(err error)

// DecodeNew decodes the new record of an insert/update event into T.
func DecodeNew[T any](event *ChangeEvent) (T, error) {
	return decodeRecord[T](event.NewRecord)
}

// DecodeOld decodes the old record of an update/delete event into T.
func DecodeOld[T any](event *ChangeEvent) (T, error) {
	return decodeRecord[T](event.OldRecord)
}

func decodeRecord[T any](record json.RawMessage) (T, error) {
	var target T
	if len(record) == 0 {
		return target, fmt.Errorf("no record in event")
	}
	if err := json.Unmarshal(record, &target); err != nil {
		return target, err
	}
	return target, nil
}

// OnInsertRecord registers an insert listener that decodes the new record into T.
// An event whose record fails to decode is logged and skipped;
// subsequent well-formed events are still delivered.
func OnInsertRecord[T any](channel *Channel, filter ChangeFilter, callback func(record T, event *ChangeEvent)) error {
	return channel.OnInsert(filter, decodingCallback(DecodeNew[T], callback))
}

// OnUpdateRecord registers an update listener that decodes the new record into T.
func OnUpdateRecord[T any](channel *Channel, filter ChangeFilter, callback func(record T, event *ChangeEvent)) error {
	return channel.OnUpdate(filter, decodingCallback(DecodeNew[T], callback))
}

// OnDeleteRecord registers a delete listener that decodes the old record into T.
func OnDeleteRecord[T any](channel *Channel, filter ChangeFilter, callback func(record T, event *ChangeEvent)) error {
	return channel.OnDelete(filter, decodingCallback(DecodeOld[T], callback))
}

func decodingCallback[T any](
	decode func(event *ChangeEvent) (T, error),
	callback func(record T, event *ChangeEvent),
) ChangeCallback {
	return func(event *ChangeEvent) {
		record, err := decode(event)
		if err != nil {
			glog.Infof("[rtd]skip %s %s.%s decode error = %s\n", event.Kind, event.Schema, event.Table, err)
			return
		}
		callback(record, event)
	}
}
