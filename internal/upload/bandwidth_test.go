package upload

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewBandwidthLimiter_UnlimitedIsNil(t *testing.T) {
	assert.Nil(t, NewBandwidthLimiter(0, nil))
	assert.Nil(t, NewBandwidthLimiter(-1, nil))

	var bl *BandwidthLimiter

	r := strings.NewReader("abc")
	assert.Same(t, r, bl.WrapReader(context.Background(), r))
	assert.Nil(t, bl.wrapper(context.Background()))
}

func TestBandwidthLimiter_ReadsEverything(t *testing.T) {
	bl := NewBandwidthLimiter(1<<20, nil)
	require.NotNil(t, bl)

	data := bytes.Repeat([]byte("x"), 64<<10)

	got, err := io.ReadAll(bl.WrapReader(context.Background(), bytes.NewReader(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBandwidthLimiter_CanceledContext(t *testing.T) {
	bl := NewBandwidthLimiter(10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := io.ReadAll(bl.WrapReader(ctx, bytes.NewReader(make([]byte, 100))))
	assert.Error(t, err)
}

func TestWaitN_SplitsAboveBurst(t *testing.T) {
	limiter := rate.NewLimiter(rate.Inf, 4)

	assert.NoError(t, waitN(context.Background(), limiter, 10))
}
