package binder

import (
	"strconv"

	"github.com/google/uuid"
)

// Header keys carried by relayed events next to the JSON body, so brokers can
// route or filter without decoding it.
const (
	HeaderKind   = "x-binder-kind"
	HeaderEvent  = "x-binder-event"
	HeaderOrigin = "x-binder-origin"
	HeaderHop    = "x-binder-hop"
	HeaderSender = "x-binder-sender"
)

// PublishOptions controls relayed event publishing.
type PublishOptions struct {
	// TopicOverride replaces the adapter default subject, topic or routing key.
	TopicOverride string
	Key           string
	Headers       map[string]string
}

// Headers returns a copy of the option headers completed with the message
// headers. The key, when set, is carried as "key".
func Headers(msg Message, o PublishOptions) map[string]string {
	h := make(map[string]string, len(o.Headers)+6)
	for k, v := range o.Headers {
		h[k] = v
	}
	if o.Key != "" {
		h["key"] = o.Key
	}
	h[HeaderKind] = string(msg.Kind)
	h[HeaderEvent] = msg.Event
	h[HeaderOrigin] = msg.Origin.String()
	h[HeaderHop] = strconv.Itoa(int(msg.Hop))
	if msg.Sender != uuid.Nil {
		h[HeaderSender] = msg.Sender.String()
	}
	return h
}
