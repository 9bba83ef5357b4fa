package events

import "testing"

func TestMessagingEventTypes(t *testing.T) {
	cases := map[string]CanonicalEvent{
		"messaging.message.received.v1":       MessageReceivedV1{},
		"messaging.message.sent.v1":           MessageSentV1{},
		"messaging.message.failed.v1":         MessageFailedV1{},
		"messaging.message.status_changed.v1": MessageStatusChangedV1{},
		"messaging.account.status_changed.v1": AccountStatusChangedV1{},
	}
	for want, evt := range cases {
		if got := evt.EventType(); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}
