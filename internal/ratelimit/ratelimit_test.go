package ratelimit

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		bytesPerSecond int64
		expectNil      bool
	}{
		{"Valid rate", 1024, false},
		{"Zero rate (unlimited)", 0, true},
		{"Negative rate (unlimited)", -1, true},
		{"Very low rate", 1, false},
		{"High rate", 10 * 1024 * 1024, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.bytesPerSecond)
			if tt.expectNil {
				assert.Nil(t, limiter)
				assert.Zero(t, limiter.Rate())
				return
			}
			require.NotNil(t, limiter)
			assert.Equal(t, tt.bytesPerSecond, limiter.Rate())
		})
	}
}

func TestNilLimiterPassesThrough(t *testing.T) {
	var l *Limiter
	assert.NoError(t, l.Wait(context.Background(), 1<<20))

	r := bytes.NewReader([]byte("data"))
	assert.Same(t, r, NewReader(context.Background(), r, nil))

	var buf bytes.Buffer
	assert.Same(t, &buf, NewWriter(context.Background(), &buf, nil))
}

func TestReader_Read(t *testing.T) {
	data := make([]byte, 20*1024)
	for i := range data {
		data[i] = byte(i % 256)
	}

	// The first 10KB are the initial burst, the rest takes about a second.
	limiter := New(10 * 1024)
	reader := NewReader(context.Background(), bytes.NewReader(data), limiter)

	start := time.Now()
	result, err := io.ReadAll(reader)
	duration := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, data, result)
	assert.GreaterOrEqual(t, duration, 700*time.Millisecond)
	assert.Less(t, duration, 3*time.Second)
}

func TestWriter_Write(t *testing.T) {
	data := make([]byte, 20*1024)
	limiter := New(10 * 1024)

	var buf bytes.Buffer
	writer := NewWriter(context.Background(), &buf, limiter)

	start := time.Now()
	n, err := writer.Write(data)
	duration := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, len(data), buf.Len())
	assert.GreaterOrEqual(t, duration, 700*time.Millisecond)
}

func TestWaitLargerThanBurst(t *testing.T) {
	limiter := New(4 * 1024)

	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background(), 8*1024))
	assert.GreaterOrEqual(t, time.Since(start), 700*time.Millisecond)
}

func TestWaitCancelled(t *testing.T) {
	limiter := New(1024)
	require.NoError(t, limiter.Wait(context.Background(), 1024))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := limiter.Wait(ctx, 1024)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWriterStopsOnCancel(t *testing.T) {
	limiter := New(1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	n, err := NewWriter(ctx, &buf, limiter).Write(make([]byte, 4096))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, n, 4096)
}
