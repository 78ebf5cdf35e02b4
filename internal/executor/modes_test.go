package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestModeFor(t *testing.T) {
	assert.Equal(t, ModeHotAlways, ModeFor(-1))
	assert.Equal(t, ModeWarmAlways, ModeFor(0))
	assert.Equal(t, ModeHot, ModeFor(time.Millisecond))
}

func TestNextMode(t *testing.T) {
	const timeout = 10 * time.Millisecond

	tests := []struct {
		name    string
		mode    PollingMode
		idle    time.Duration
		timeout time.Duration
		work    bool
		want    PollingMode
	}{
		{name: "hot stays hot while busy", mode: ModeHot, idle: time.Hour, timeout: timeout, work: true, want: ModeHot},
		{name: "hot stays hot below timeout", mode: ModeHot, idle: timeout - 1, timeout: timeout, want: ModeHot},
		{name: "hot goes warm at timeout", mode: ModeHot, idle: timeout, timeout: timeout, want: ModeWarm},
		{name: "hot goes warm past timeout", mode: ModeHot, idle: time.Second, timeout: timeout, want: ModeWarm},
		{name: "warm goes hot on work", mode: ModeWarm, timeout: timeout, work: true, want: ModeHot},
		{name: "warm stays warm when idle", mode: ModeWarm, idle: time.Second, timeout: timeout, want: ModeWarm},
		{name: "hot always ignores idle", mode: ModeHotAlways, idle: time.Hour, timeout: -1, want: ModeHotAlways},
		{name: "hot always ignores work", mode: ModeHotAlways, timeout: -1, work: true, want: ModeHotAlways},
		{name: "warm always ignores work", mode: ModeWarmAlways, work: true, want: ModeWarmAlways},
		{name: "warm always ignores idle", mode: ModeWarmAlways, idle: time.Hour, want: ModeWarmAlways},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextMode(tt.mode, tt.idle, tt.timeout, tt.work))
		})
	}
}

func TestPollingModeString(t *testing.T) {
	assert.Equal(t, "hot", ModeHot.String())
	assert.Equal(t, "warm_always", ModeWarmAlways.String())
	assert.Equal(t, "unknown", PollingMode(9).String())
	assert.True(t, ModeHotAlways.Pinned())
	assert.False(t, ModeWarm.Busy())
}
