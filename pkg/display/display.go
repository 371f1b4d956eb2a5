// Package display renders the provisioning QR code and a status banner
// to the framebuffer (spec.md §4.5, C5). It degrades gracefully: when
// the framebuffer is unavailable, operations log and return
// ErrDisplayUnavailable, and the orchestrator continues with BLE as
// the primary channel.
package display

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"

	"github.com/rockpi/provisiond/pkg/logger"
	"github.com/skip2/go-qrcode"
)

// ErrDisplayUnavailable is returned when the framebuffer device cannot
// be opened or written to.
var ErrDisplayUnavailable = errors.New("display: framebuffer unavailable")

// Framebuffer abstracts the offscreen-to-framebuffer blit the daemon
// depends on (out of core scope per spec.md §1; this is the narrow
// interface the core consumes). A real implementation writes an
// image.RGBA into /dev/fb0 respecting its reported geometry/stride.
type Framebuffer interface {
	Size() (width, height int, err error)
	Blit(img image.Image) error
}

// Service implements QR + status-banner rendering.
type Service struct {
	fb     Framebuffer
	logger *logger.Logger
}

// NewService constructs the display service. fb may be nil, in which
// case every operation returns ErrDisplayUnavailable immediately
// (headless bench testing, or a device with no HDMI output attached).
func NewService(fb Framebuffer, log *logger.Logger) *Service {
	return &Service{fb: fb, logger: log}
}

// ShowQR renders a QR code of payload sized to at least 30% of the
// shorter screen dimension, centred horizontally and placed a third of
// the way down the screen, with a status line beneath it.
func (s *Service) ShowQR(payload, statusText string) error {
	if s.fb == nil {
		s.logger.Warn("display unavailable, skipping QR render")
		return ErrDisplayUnavailable
	}

	w, h, err := s.fb.Size()
	if err != nil {
		s.logger.Warn("display framebuffer size query failed", "error", err)
		return fmt.Errorf("%w: %v", ErrDisplayUnavailable, err)
	}

	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("display: generate qr: %w", err)
	}

	shorter := w
	if h < shorter {
		shorter = h
	}
	qrSize := (shorter * 3) / 10 // >= 30% of the shorter dimension
	qrImg := qr.Image(qrSize)

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	offsetX := (w - qrImg.Bounds().Dx()) / 2
	offsetY := (h - qrImg.Bounds().Dy()) / 3
	draw.Draw(canvas, qrImg.Bounds().Add(image.Pt(offsetX, offsetY)), qrImg, image.Point{}, draw.Src)

	drawStatusBanner(canvas, statusText)

	if err := s.fb.Blit(canvas); err != nil {
		s.logger.Warn("display blit failed", "error", err)
		return fmt.Errorf("%w: %v", ErrDisplayUnavailable, err)
	}
	return nil
}

// ShowStatus updates only the status banner, leaving any existing QR
// code in place conceptually (a real framebuffer driver would redraw
// the full frame; this implementation re-blits a status-only frame).
func (s *Service) ShowStatus(text string) error {
	if s.fb == nil {
		return ErrDisplayUnavailable
	}
	w, h, err := s.fb.Size()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisplayUnavailable, err)
	}
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	drawStatusBanner(canvas, text)
	if err := s.fb.Blit(canvas); err != nil {
		return fmt.Errorf("%w: %v", ErrDisplayUnavailable, err)
	}
	return nil
}

// Responsive reports whether the framebuffer can be queried for its
// geometry, for the health watchdog (C12).
func (s *Service) Responsive() bool {
	if s.fb == nil {
		return false
	}
	_, _, err := s.fb.Size()
	return err == nil
}

// Clear blanks the framebuffer.
func (s *Service) Clear() error {
	if s.fb == nil {
		return ErrDisplayUnavailable
	}
	w, h, err := s.fb.Size()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisplayUnavailable, err)
	}
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	if err := s.fb.Blit(canvas); err != nil {
		return fmt.Errorf("%w: %v", ErrDisplayUnavailable, err)
	}
	return nil
}

// drawStatusBanner paints a thin status bar at the bottom of the
// canvas. Glyph rendering is intentionally minimal: a solid bar whose
// width is proportional to the status text length stands in for a
// bitmap font, since font rasterisation is outside the core's scope.
func drawStatusBanner(canvas *image.RGBA, text string) {
	bounds := canvas.Bounds()
	barHeight := bounds.Dy() / 20
	if barHeight < 4 {
		barHeight = 4
	}
	barRect := image.Rect(bounds.Min.X, bounds.Max.Y-barHeight, bounds.Max.X, bounds.Max.Y)
	draw.Draw(canvas, barRect, image.NewUniform(color.RGBA{R: 40, G: 40, B: 40, A: 255}), image.Point{}, draw.Src)

	width := (len(text) * bounds.Dx()) / 64
	if width > bounds.Dx() {
		width = bounds.Dx()
	}
	textRect := image.Rect(bounds.Min.X, barRect.Min.Y, bounds.Min.X+width, barRect.Max.Y)
	draw.Draw(canvas, textRect, image.NewUniform(color.White), image.Point{}, draw.Src)
}

// FramebufferDevice is a minimal Linux /dev/fb0-backed Framebuffer.
// Geometry comes from the caller (reading /sys/class/graphics/fb0's
// virtual_size is the usual production source; kept out of this
// implementation to avoid guessing a sysfs layout this daemon never
// tests against in CI).
type FramebufferDevice struct {
	path          string
	width, height int
}

// NewFramebufferDevice constructs a FramebufferDevice for the given
// /dev/fbN path and known geometry.
func NewFramebufferDevice(path string, width, height int) *FramebufferDevice {
	return &FramebufferDevice{path: path, width: width, height: height}
}

// Size returns the configured geometry.
func (f *FramebufferDevice) Size() (int, int, error) {
	if f.width <= 0 || f.height <= 0 {
		return 0, 0, fmt.Errorf("framebuffer: unknown geometry")
	}
	return f.width, f.height, nil
}

// Blit writes img into the framebuffer device as packed BGRA32, the
// common format for Linux fbdev.
func (f *FramebufferDevice) Blit(img image.Image) error {
	file, err := os.OpenFile(f.path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	bounds := img.Bounds()
	row := make([]byte, bounds.Dx()*4)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			i := (x - bounds.Min.X) * 4
			row[i] = byte(b >> 8)
			row[i+1] = byte(g >> 8)
			row[i+2] = byte(r >> 8)
			row[i+3] = byte(a >> 8)
		}
		if _, err := file.Write(row); err != nil {
			return err
		}
	}
	return nil
}
