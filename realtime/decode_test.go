package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestDecodeRecords(t *testing.T) {
	event := &ChangeEvent{
		Kind:       ChangeUpdate,
		Schema:     "public",
		Table:      "todos",
		NewRecord:  json.RawMessage(`{"id":1,"user_id":"U1","task":"write"}`),
		OldRecord:  json.RawMessage(`{"id":1,"user_id":"U1","task":"draft"}`),
		ReceivedAt: time.Now(),
	}

	newRecord, err := DecodeNew[todoRecord](event)
	assert.Equal(t, err, nil)
	assert.Equal(t, newRecord.Task, "write")

	oldRecord, err := DecodeOld[todoRecord](event)
	assert.Equal(t, err, nil)
	assert.Equal(t, oldRecord.Task, "draft")
}

func TestDecodeMissingRecord(t *testing.T) {
	event := &ChangeEvent{
		Kind:      ChangeInsert,
		NewRecord: json.RawMessage(`{"id":1}`),
	}

	_, err := DecodeOld[todoRecord](event)
	assert.NotEqual(t, err, nil)
}

func TestDecodeSchemaMismatch(t *testing.T) {
	event := &ChangeEvent{
		Kind:      ChangeInsert,
		NewRecord: json.RawMessage(`{"id":"not a number"}`),
	}

	_, err := DecodeNew[todoRecord](event)
	assert.NotEqual(t, err, nil)
}

// a decode failure is isolated to the one event. the callback is skipped
// for that event and fires again for the next well-formed one.
func TestDecodingCallbackSkipsBadRecords(t *testing.T) {
	received := []todoRecord{}
	callback := decodingCallback(DecodeNew[todoRecord], func(record todoRecord, event *ChangeEvent) {
		received = append(received, record)
	})

	callback(&ChangeEvent{
		Kind:      ChangeInsert,
		NewRecord: json.RawMessage(`{"id":"mismatch"}`),
	})
	assert.Equal(t, len(received), 0)

	callback(&ChangeEvent{
		Kind:      ChangeInsert,
		NewRecord: json.RawMessage(`{"id":2,"user_id":"U1"}`),
	})
	assert.Equal(t, len(received), 1)
	assert.Equal(t, received[0].Id, 2)
}

func TestTypedListenerRegistration(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	client := NewClient(context.Background(), server.url(), nil, testSettings())
	defer client.Disconnect()
	assert.Equal(t, client.Connect(), nil)

	received := make(chan todoRecord, 8)
	channel := client.Channel("todos")
	err := OnInsertRecord(
		channel,
		ChangeFilter{Schema: "public", Table: "todos"},
		func(record todoRecord, event *ChangeEvent) {
			received <- record
		},
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, channel.Subscribe(context.Background(), true), nil)

	// one malformed record is skipped, the stream continues
	server.send(insertMessage("todos", "public", "todos", map[string]any{"id": "mismatch"}))
	server.send(insertMessage("todos", "public", "todos", &todoRecord{Id: 5, UserId: "U1"}))

	select {
	case record := <-received:
		assert.Equal(t, record.Id, 5)
	case <-time.After(5 * time.Second):
		t.Fatal("no decoded record")
	}
	assert.Equal(t, len(received), 0)
}
