package broker

import (
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
)

func TestHeaderInt(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"nil table", nil, 7},
		{"missing key", amqp.Table{"other": int32(3)}, 7},
		{"int32", amqp.Table{"x-retry-count": int32(2)}, 2},
		{"int64", amqp.Table{"x-retry-count": int64(5)}, 5},
		{"int", amqp.Table{"x-retry-count": 1}, 1},
		{"float64", amqp.Table{"x-retry-count": float64(4)}, 4},
		{"non-numeric", amqp.Table{"x-retry-count": "3"}, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HeaderInt(tt.headers, "x-retry-count", 7))
		})
	}
}

func TestHeaderInt64(t *testing.T) {
	headers := amqp.Table{"x-first-publish-time": int64(1714000000000)}
	assert.Equal(t, int64(1714000000000), HeaderInt64(headers, "x-first-publish-time", 0))
	assert.Equal(t, int64(-1), HeaderInt64(headers, "absent", -1))
	assert.Equal(t, int64(-1), HeaderInt64(nil, "x-first-publish-time", -1))
}
