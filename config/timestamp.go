package config

import "time"

type TimestampGenerator interface {
	GetTimestampUTC() int64
}

type RealTimestampGenerator struct{}

func (t RealTimestampGenerator) GetTimestampUTC() int64 {
	return time.Now().Unix()
}

// FixedTimestampGenerator is used by tests that assert on callback payloads.
type FixedTimestampGenerator struct {
	Timestamp int64
}

func (t FixedTimestampGenerator) GetTimestampUTC() int64 {
	return t.Timestamp
}

// TimestampRFC3339UTC renders the clock's current timestamp the way callback
// payloads expect it.
func TimestampRFC3339UTC() string {
	return time.Unix(Clock.GetTimestampUTC(), 0).UTC().Format(time.RFC3339)
}
