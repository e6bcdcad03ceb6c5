package catalog

import "fmt"

// Device is a named target resolution the transform stage must hit exactly.
type Device struct {
	ID     string `yaml:"id"`
	Label  string `yaml:"label"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Crop   Anchor `yaml:"crop"`
}

func (d Device) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("device %s: dimensions must be positive, got %dx%d", d.ID, d.Width, d.Height)
	}
	if d.Crop != "" {
		if _, err := ParseAnchor(string(d.Crop)); err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
	}
	return nil
}

// Anchor returns the device default crop anchor.
func (d Device) Anchor() Anchor {
	if d.Crop == "" {
		return AnchorCenter
	}
	return d.Crop
}

var defaultDevices = []Device{
	{ID: "iphone", Label: "iPhone", Width: 1170, Height: 2532},
	{ID: "iphone-pro-max", Label: "iPhone Pro Max", Width: 1290, Height: 2796},
	{ID: "android", Label: "Android", Width: 1080, Height: 2400},
	{ID: "pixel", Label: "Pixel", Width: 1080, Height: 2400},
	{ID: "ipad", Label: "iPad", Width: 2048, Height: 2732},
	{ID: "macbook", Label: "MacBook", Width: 2560, Height: 1664},
	{ID: "desktop", Label: "Desktop", Width: 1920, Height: 1080},
	{ID: "desktop-4k", Label: "Desktop 4K", Width: 3840, Height: 2160},
	{ID: "ultrawide", Label: "Ultrawide", Width: 3440, Height: 1440},
}
