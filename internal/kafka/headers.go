package kafka

import "github.com/segmentio/kafka-go"

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"

	// set on dead-lettered messages
	HeaderDLQError     = "x-dlq-error"
	HeaderDLQPartition = "x-dlq-partition"
	HeaderDLQOffset    = "x-dlq-offset"
)

// headerCarrier lets the otel propagator read and write message headers.
type headerCarrier struct{ h *[]kafka.Header }

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.h {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.h {
		if h.Key == key {
			(*c.h)[i].Value = []byte(value)
			return
		}
	}
	*c.h = append(*c.h, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.h))
	for _, h := range *c.h {
		keys = append(keys, h.Key)
	}
	return keys
}

func header(headers []kafka.Header, key string) string {
	return headerCarrier{h: &headers}.Get(key)
}
