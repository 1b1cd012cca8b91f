package tracker

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingTracker struct {
	imageSteps  []int
	scalarSteps []int
	err         error
}

func (r *recordingTracker) LogImages(step int, images []Image) error {
	r.imageSteps = append(r.imageSteps, step)
	return r.err
}

func (r *recordingTracker) LogScalars(step int, scalars map[string]float64) error {
	r.scalarSteps = append(r.scalarSteps, step)
	return r.err
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recordingTracker{}, &recordingTracker{}
	m := Multi{a, b}

	require.NoError(t, m.LogImages(5, nil))
	require.NoError(t, m.LogScalars(5, nil))
	require.Equal(t, []int{5}, a.imageSteps)
	require.Equal(t, []int{5}, b.imageSteps)
	require.Equal(t, []int{5}, a.scalarSteps)
	require.Equal(t, []int{5}, b.scalarSteps)
}

func TestMultiFirstErrorWinsButAllRun(t *testing.T) {
	boom := errors.New("tracker down")
	a := &recordingTracker{err: boom}
	b := &recordingTracker{}

	err := Multi{a, b}.LogImages(1, nil)
	require.ErrorIs(t, err, boom)
	require.Len(t, b.imageSteps, 1)
}

func TestConsoleLogImages(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	require.NoError(t, c.LogImages(100, []Image{
		{Shortname: "cat", Path: "out/step_100_cat_512x512.png"},
	}))

	out := buf.String()
	require.True(t, strings.Contains(out, "cat"))
	require.True(t, strings.Contains(out, "step_100_cat_512x512.png"))
	require.True(t, strings.Contains(out, "100"))
}

func TestConsoleLogScalars(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	require.NoError(t, c.LogScalars(7, map[string]float64{
		"validation/cat/mean": 0.5,
	}))
	require.True(t, strings.Contains(buf.String(), "validation/cat/mean"))

	// nothing rendered for empty input
	buf.Reset()
	require.NoError(t, c.LogScalars(7, nil))
	require.Zero(t, buf.Len())
}
