package display

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockpi/provisiond/pkg/logger"
)

type fakeFramebuffer struct {
	width, height int
	sizeErr       error
	blitErr       error
	lastBlit      image.Image
}

func (f *fakeFramebuffer) Size() (int, int, error) {
	if f.sizeErr != nil {
		return 0, 0, f.sizeErr
	}
	return f.width, f.height, nil
}

func (f *fakeFramebuffer) Blit(img image.Image) error {
	if f.blitErr != nil {
		return f.blitErr
	}
	f.lastBlit = img
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "text", Output: "stdout"})
}

func TestShowQR_NilFramebufferReturnsUnavailable(t *testing.T) {
	s := NewService(nil, testLogger())
	err := s.ShowQR("ROCKPI:abc", "waiting")
	assert.ErrorIs(t, err, ErrDisplayUnavailable)
}

func TestShowQR_RendersAndBlitsWhenFramebufferPresent(t *testing.T) {
	fb := &fakeFramebuffer{width: 240, height: 320}
	s := NewService(fb, testLogger())

	require.NoError(t, s.ShowQR("ROCKPI:abc123:deadbeef", "scan to pair"))
	require.NotNil(t, fb.lastBlit)
	assert.Equal(t, 240, fb.lastBlit.Bounds().Dx())
	assert.Equal(t, 320, fb.lastBlit.Bounds().Dy())
}

func TestShowQR_PropagatesSizeQueryFailureAsUnavailable(t *testing.T) {
	fb := &fakeFramebuffer{sizeErr: errors.New("fb gone")}
	s := NewService(fb, testLogger())

	err := s.ShowQR("payload", "status")
	assert.ErrorIs(t, err, ErrDisplayUnavailable)
}

func TestShowStatus_NilFramebufferReturnsUnavailable(t *testing.T) {
	s := NewService(nil, testLogger())
	assert.ErrorIs(t, s.ShowStatus("connecting"), ErrDisplayUnavailable)
}

func TestResponsive_FalseWhenFramebufferNilOrSizeErrors(t *testing.T) {
	assert.False(t, NewService(nil, testLogger()).Responsive())

	fb := &fakeFramebuffer{sizeErr: errors.New("gone")}
	assert.False(t, NewService(fb, testLogger()).Responsive())

	fb2 := &fakeFramebuffer{width: 100, height: 100}
	assert.True(t, NewService(fb2, testLogger()).Responsive())
}

func TestClear_BlanksCanvasAndBlits(t *testing.T) {
	fb := &fakeFramebuffer{width: 64, height: 64}
	s := NewService(fb, testLogger())

	require.NoError(t, s.Clear())
	require.NotNil(t, fb.lastBlit)
}

func TestFramebufferDevice_SizeRejectsZeroGeometry(t *testing.T) {
	f := NewFramebufferDevice("/dev/fb0", 0, 0)
	_, _, err := f.Size()
	assert.Error(t, err)
}
