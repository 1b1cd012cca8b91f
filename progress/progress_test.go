package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpinnerString(t *testing.T) {
	s := NewSpinner("warming cache")
	defer s.Stop()

	out := s.String()
	require.Contains(t, out, "warming cache")
	require.Contains(t, out, "ms")
}

func TestSpinnerStopFreezesElapsed(t *testing.T) {
	s := NewSpinner("x")
	s.Stop()

	first := s.String()
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, first, s.String())
}

func TestBarClampsToMax(t *testing.T) {
	b := NewBar("training", 100, 0)
	b.Set(250)
	require.Contains(t, b.String(), "100%")
}
