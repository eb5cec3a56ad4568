package broker

import "github.com/streadway/amqp"

// HeaderInt reads a numeric header regardless of the integer width the
// publisher (or a foreign tool) encoded it with.
func HeaderInt(headers amqp.Table, key string, fallback int) int {
	if headers == nil {
		return fallback
	}
	switch v := headers[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// HeaderInt64 is HeaderInt for epoch-millisecond values.
func HeaderInt64(headers amqp.Table, key string, fallback int64) int64 {
	if headers == nil {
		return fallback
	}
	switch v := headers[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return fallback
	}
}
