package token

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderPNG(t *testing.T) {
	tok, err := Build("42", testSecret, Options{DeviceInfo: "pixel-8", ClientIP: "10.0.0.7"})
	require.NoError(t, err)

	img, err := RenderPNG(tok, 0)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(img))
	require.NoError(t, err)
	require.Equal(t, DefaultQRSize, decoded.Bounds().Dx())
}

func TestRenderPNGRejectsEmpty(t *testing.T) {
	_, err := RenderPNG("", 256)
	require.Error(t, err)
}
