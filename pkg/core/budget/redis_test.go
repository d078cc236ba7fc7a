package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedisKeyScopedToUserDimensionDay(t *testing.T) {
	clock := func() time.Time {
		return time.Date(2026, 7, 1, 15, 4, 5, 0, time.UTC)
	}
	l := NewRedisLedger(nil, Limits{}, WithRedisClock(clock))

	key := l.key("u42", DimensionAudioMinutes)
	assert.Equal(t, "voicegate:budget:u42:audio_minutes:2026-07-01", key)
}

func TestRedisResetAtNextUTCMidnight(t *testing.T) {
	clock := func() time.Time {
		return time.Date(2026, 7, 1, 23, 59, 59, 0, time.UTC)
	}
	l := NewRedisLedger(nil, Limits{}, WithRedisClock(clock))

	want := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, want, l.resetAt())
}

func TestParseScriptFloat(t *testing.T) {
	tests := []struct {
		name    string
		in      interface{}
		want    float64
		wantErr bool
	}{
		{name: "string", in: "12.5", want: 12.5},
		{name: "int64", in: int64(7), want: 7},
		{name: "garbage", in: []byte("x"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScriptFloat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatAmountAvoidsExponents(t *testing.T) {
	assert.Equal(t, "0.016666666666666666", formatAmount(1.0/60))
	assert.Equal(t, "100", formatAmount(100))
}
