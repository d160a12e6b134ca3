package ratestats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeterAveragesOverWindow(t *testing.T) {
	m := NewMeter(2)
	m.Add(100)
	assert.EqualValues(t, 50, m.Tick()) // window: [100, 0]

	m.Add(200)
	assert.EqualValues(t, 150, m.Tick()) // window: [100, 200]
}

func TestMeterZeroWindowFallsBackToDefault(t *testing.T) {
	m := NewMeter(0)
	assert.Len(t, m.window, DefaultWindow)
}
