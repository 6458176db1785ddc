package countcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetArgs(t *testing.T) {
	tests := []struct {
		name string
		ttl  time.Duration
		nx   bool
		want []interface{}
	}{
		{
			name: "with ttl",
			ttl:  5 * time.Minute,
			want: []interface{}{"k", "v", "EX", int64(300)},
		},
		{
			name: "sub-second ttl rounds up",
			ttl:  500 * time.Millisecond,
			want: []interface{}{"k", "v", "EX", int64(1)},
		},
		{
			name: "zero ttl stores without expiry",
			ttl:  0,
			want: []interface{}{"k", "v"},
		},
		{
			name: "negative ttl stores without expiry",
			ttl:  -time.Second,
			want: []interface{}{"k", "v"},
		},
		{
			name: "nx with ttl",
			ttl:  time.Minute,
			nx:   true,
			want: []interface{}{"k", "v", "EX", int64(60), "NX"},
		},
		{
			name: "nx without ttl",
			ttl:  0,
			nx:   true,
			want: []interface{}{"k", "v", "NX"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, setArgs("k", "v", tt.ttl, tt.nx))
		})
	}
}

func TestRedisConfigDefaults(t *testing.T) {
	var c RedisConfig
	c.ApplyDefaults()
	assert.Equal(t, 10, c.MaxIdle)

	assert.Error(t, c.Validate())
	c.Address = "localhost:6379"
	assert.NoError(t, c.Validate())
}
