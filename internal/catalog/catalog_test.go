package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	iphone, ok := c.Device("iphone")
	require.True(t, ok)
	assert.Equal(t, 1170, iphone.Width)
	assert.Equal(t, 2532, iphone.Height)
	assert.Equal(t, AnchorCenter, iphone.Anchor())

	theme, ok := c.Theme("midnight-gold")
	require.True(t, ok)
	assert.True(t, theme.HasModulation())
	assert.InDelta(t, 1.15, theme.ContrastFactor(), 1e-9)

	_, ok = c.Device("fridge")
	assert.False(t, ok)
}

func TestParseAnchor(t *testing.T) {
	for _, s := range []string{"top-left", "top", "top-right", "left", "center", "right", "bottom-left", "bottom", "bottom-right"} {
		a, err := ParseAnchor(s)
		require.NoError(t, err, s)
		assert.Equal(t, Anchor(s), a)
	}

	_, err := ParseAnchor("middle")
	assert.Error(t, err)
	_, err = ParseAnchor("")
	assert.Error(t, err)
}

func TestRegisterRejectsInvalidEntries(t *testing.T) {
	c := New()
	assert.Error(t, c.RegisterDevice(Device{ID: "flat", Width: 0, Height: 100}))
	assert.Error(t, c.RegisterDevice(Device{ID: "neg", Width: 100, Height: -1}))
	assert.Error(t, c.RegisterDevice(Device{ID: "odd", Width: 10, Height: 10, Crop: "middle"}))

	zero := 0.0
	assert.Error(t, c.RegisterTheme(Theme{ID: "dim", StyleURL: "https://example.com/style.json", Contrast: &zero}))
	assert.Error(t, c.RegisterTheme(Theme{ID: "nostyle"}))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
devices:
  - id: watch
    label: Watch
    width: 410
    height: 502
    crop: top
themes:
  - id: candy
    styleUrl: https://example.com/candy.json
    saturation: 1.4
    tint: {r: 255, g: 180, b: 220}
`), 0o644))

	c := Default()
	require.NoError(t, c.LoadFile(path))

	watch, ok := c.Device("watch")
	require.True(t, ok)
	assert.Equal(t, AnchorTop, watch.Anchor())

	candy, ok := c.Theme("candy")
	require.True(t, ok)
	require.NotNil(t, candy.Tint)
	assert.Equal(t, uint8(180), candy.Tint.G)
	assert.True(t, candy.HasModulation())
}
