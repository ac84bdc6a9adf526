package assembler

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/webp"
)

var (
	errEmptyImage        = errors.New("image is empty")
	errUnrecognizedImage = errors.New("image format not recognized")

	pngSignature  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	jpegSignature = []byte{0xff, 0xd8, 0xff}
)

// DecodeImageHeader identifies the format of data by signature and verifies
// that its header decodes to a non-empty image.
func DecodeImageHeader(data []byte) (string, image.Config, error) {
	if len(data) == 0 {
		return "", image.Config{}, errEmptyImage
	}

	var format string
	switch {
	case bytes.HasPrefix(data, pngSignature):
		format = "png"
	case bytes.HasPrefix(data, jpegSignature):
		format = "jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		format = "gif"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		format = "webp"
	default:
		return "", image.Config{}, errUnrecognizedImage
	}

	var (
		cfg image.Config
		err error
	)
	if format == "webp" {
		cfg, err = webp.DecodeConfig(bytes.NewReader(data))
	} else {
		cfg, _, err = image.DecodeConfig(bytes.NewReader(data))
	}
	if err != nil {
		return "", image.Config{}, fmt.Errorf("%w: %s header: %v", errUnrecognizedImage, format, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", image.Config{}, fmt.Errorf("%w: %s has no pixels", errUnrecognizedImage, format)
	}
	return format, cfg, nil
}
