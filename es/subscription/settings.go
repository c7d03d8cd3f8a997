package subscription

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/getpup/pupstore/es/store"
)

// StartFromCurrent starts a new group after the stream's last event.
const StartFromCurrent int64 = -1

// Settings configures a persistent subscription group.
type Settings struct {
	// NamedConsumerStrategy selects how events are spread across subscribers.
	NamedConsumerStrategy ConsumerStrategy

	// StartFrom is the first event number delivered to a new group, or
	// StartFromCurrent.
	StartFrom int64

	// MessageTimeout is how long an event may stay unacknowledged before it
	// is retried. Zero disables timeouts.
	MessageTimeout time.Duration

	// CheckPointAfter is the minimum time between checkpoint writes.
	CheckPointAfter time.Duration

	// MaxRetryCount is how many times an event is retried before it is parked.
	MaxRetryCount int

	// LiveBufferSize caps the events in flight across the whole group.
	LiveBufferSize int

	// ReadBatchSize is the page size of stream reads.
	ReadBatchSize int

	// BufferSize caps the events read but not yet dispatched.
	BufferSize int

	// MinCheckPointCount is the number of handled events that makes a
	// checkpoint write due once CheckPointAfter has elapsed.
	MinCheckPointCount int

	// MaxCheckPointCount forces a checkpoint write regardless of time.
	MaxCheckPointCount int

	// MaxSubscriberCount limits connected subscribers. Zero means unlimited.
	MaxSubscriberCount int
}

// DefaultSettings returns the default group settings.
func DefaultSettings() Settings {
	return Settings{
		NamedConsumerStrategy: RoundRobin,
		StartFrom:             StartFromCurrent,
		MessageTimeout:        30 * time.Second,
		CheckPointAfter:       2 * time.Second,
		MaxRetryCount:         10,
		LiveBufferSize:        500,
		ReadBatchSize:         20,
		BufferSize:            500,
		MinCheckPointCount:    10,
		MaxCheckPointCount:    1000,
		MaxSubscriberCount:    0,
	}
}

// Validate checks the settings for consistency.
func (s Settings) Validate() error {
	switch {
	case !s.NamedConsumerStrategy.valid():
		return fmt.Errorf("%w: unknown consumer strategy %q", store.ErrInvalidArgument, s.NamedConsumerStrategy)
	case s.StartFrom < StartFromCurrent:
		return fmt.Errorf("%w: start from %d out of range", store.ErrInvalidArgument, s.StartFrom)
	case s.MessageTimeout < 0 || s.CheckPointAfter < 0:
		return fmt.Errorf("%w: durations cannot be negative", store.ErrInvalidArgument)
	case s.MaxRetryCount < 0:
		return fmt.Errorf("%w: max retry count cannot be negative", store.ErrInvalidArgument)
	case s.LiveBufferSize <= 0 || s.BufferSize <= 0:
		return fmt.Errorf("%w: buffer sizes must be positive", store.ErrInvalidArgument)
	case s.ReadBatchSize <= 0 || s.ReadBatchSize > store.MaxReadSize:
		return fmt.Errorf("%w: read batch size must be in 1..%d", store.ErrInvalidArgument, store.MaxReadSize)
	case s.MinCheckPointCount < 0 || s.MaxCheckPointCount < s.MinCheckPointCount:
		return fmt.Errorf("%w: checkpoint counts must satisfy 0 <= min <= max", store.ErrInvalidArgument)
	case s.MaxSubscriberCount < 0:
		return fmt.Errorf("%w: max subscriber count cannot be negative", store.ErrInvalidArgument)
	}
	return nil
}

// settingsJSON is the stored form; durations are milliseconds.
type settingsJSON struct {
	NamedConsumerStrategy ConsumerStrategy `json:"namedConsumerStrategy"`
	StartFrom             int64            `json:"startFrom"`
	MessageTimeoutMs      int64            `json:"messageTimeoutMilliseconds"`
	CheckPointAfterMs     int64            `json:"checkPointAfterMilliseconds"`
	MaxRetryCount         int              `json:"maxRetryCount"`
	LiveBufferSize        int              `json:"liveBufferSize"`
	ReadBatchSize         int              `json:"readBatchSize"`
	BufferSize            int              `json:"bufferSize"`
	MinCheckPointCount    int              `json:"minCheckPointCount"`
	MaxCheckPointCount    int              `json:"maxCheckPointCount"`
	MaxSubscriberCount    int              `json:"maxSubscriberCount"`
}

// MarshalJSON implements json.Marshaler.
func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(settingsJSON{
		NamedConsumerStrategy: s.NamedConsumerStrategy,
		StartFrom:             s.StartFrom,
		MessageTimeoutMs:      s.MessageTimeout.Milliseconds(),
		CheckPointAfterMs:     s.CheckPointAfter.Milliseconds(),
		MaxRetryCount:         s.MaxRetryCount,
		LiveBufferSize:        s.LiveBufferSize,
		ReadBatchSize:         s.ReadBatchSize,
		BufferSize:            s.BufferSize,
		MinCheckPointCount:    s.MinCheckPointCount,
		MaxCheckPointCount:    s.MaxCheckPointCount,
		MaxSubscriberCount:    s.MaxSubscriberCount,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Missing fields keep their defaults.
func (s *Settings) UnmarshalJSON(data []byte) error {
	d := DefaultSettings()
	raw := settingsJSON{
		NamedConsumerStrategy: d.NamedConsumerStrategy,
		StartFrom:             d.StartFrom,
		MessageTimeoutMs:      d.MessageTimeout.Milliseconds(),
		CheckPointAfterMs:     d.CheckPointAfter.Milliseconds(),
		MaxRetryCount:         d.MaxRetryCount,
		LiveBufferSize:        d.LiveBufferSize,
		ReadBatchSize:         d.ReadBatchSize,
		BufferSize:            d.BufferSize,
		MinCheckPointCount:    d.MinCheckPointCount,
		MaxCheckPointCount:    d.MaxCheckPointCount,
		MaxSubscriberCount:    d.MaxSubscriberCount,
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Settings{
		NamedConsumerStrategy: raw.NamedConsumerStrategy,
		StartFrom:             raw.StartFrom,
		MessageTimeout:        time.Duration(raw.MessageTimeoutMs) * time.Millisecond,
		CheckPointAfter:       time.Duration(raw.CheckPointAfterMs) * time.Millisecond,
		MaxRetryCount:         raw.MaxRetryCount,
		LiveBufferSize:        raw.LiveBufferSize,
		ReadBatchSize:         raw.ReadBatchSize,
		BufferSize:            raw.BufferSize,
		MinCheckPointCount:    raw.MinCheckPointCount,
		MaxCheckPointCount:    raw.MaxCheckPointCount,
		MaxSubscriberCount:    raw.MaxSubscriberCount,
	}
	return nil
}
