package catalog

import "fmt"

type RGB struct {
	R uint8 `yaml:"r"`
	G uint8 `yaml:"g"`
	B uint8 `yaml:"b"`
}

// Theme bundles the map style reference with the color transform applied
// after resizing. Nil fields mean "no change".
type Theme struct {
	ID         string   `yaml:"id"`
	StyleURL   string   `yaml:"styleUrl"`
	Grayscale  bool     `yaml:"grayscale"`
	Brightness *float64 `yaml:"brightness"`
	Saturation *float64 `yaml:"saturation"`
	Hue        *float64 `yaml:"hue"`
	Tint       *RGB     `yaml:"tint"`
	Contrast   *float64 `yaml:"contrast"`
	Prompt     string   `yaml:"prompt"`
}

func (t Theme) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("theme id is required")
	}
	if t.StyleURL == "" {
		return fmt.Errorf("theme %s: style url is required", t.ID)
	}
	if t.Brightness != nil && *t.Brightness <= 0 {
		return fmt.Errorf("theme %s: brightness must be positive", t.ID)
	}
	if t.Saturation != nil && *t.Saturation < 0 {
		return fmt.Errorf("theme %s: saturation must not be negative", t.ID)
	}
	if t.Contrast != nil && *t.Contrast <= 0 {
		return fmt.Errorf("theme %s: contrast must be positive", t.ID)
	}
	return nil
}

func (t Theme) HasModulation() bool {
	return t.Brightness != nil || t.Saturation != nil || t.Hue != nil
}

// ContrastFactor returns 1 when no contrast adjustment is configured.
func (t Theme) ContrastFactor() float64 {
	if t.Contrast == nil {
		return 1
	}
	return *t.Contrast
}

// EnhancePrompt is the text prompt sent with style enhancement.
func (t Theme) EnhancePrompt() string {
	if t.Prompt != "" {
		return t.Prompt
	}
	return "a beautiful stylized map wallpaper, " + t.ID + " style, highly detailed, crisp lines"
}

func f(v float64) *float64 { return &v }

var defaultThemes = []Theme{
	{
		ID:       "default",
		StyleURL: "https://tiles.openfreemap.org/styles/liberty",
	},
	{
		ID:         "midnight-gold",
		StyleURL:   "https://tiles.openfreemap.org/styles/dark",
		Brightness: f(0.9),
		Saturation: f(1.2),
		Tint:       &RGB{R: 255, G: 200, B: 90},
		Contrast:   f(1.15),
		Prompt:     "luxurious midnight city map, glowing gold streets on deep black, elegant art deco wallpaper",
	},
	{
		ID:        "noir",
		StyleURL:  "https://tiles.openfreemap.org/styles/dark",
		Grayscale: true,
		Contrast:  f(1.3),
		Prompt:    "film noir city map, dramatic monochrome, high contrast ink wallpaper",
	},
	{
		ID:        "blueprint",
		StyleURL:  "https://tiles.openfreemap.org/styles/positron",
		Grayscale: true,
		Tint:      &RGB{R: 70, G: 130, B: 220},
		Contrast:  f(1.1),
		Prompt:    "architectural blueprint of a city, white technical lines on blue paper",
	},
	{
		ID:         "sepia",
		StyleURL:   "https://tiles.openfreemap.org/styles/positron",
		Grayscale:  true,
		Tint:       &RGB{R: 230, G: 190, B: 140},
		Brightness: f(1.05),
		Prompt:     "antique sepia city map, aged paper texture, vintage cartography",
	},
	{
		ID:         "neon-night",
		StyleURL:   "https://tiles.openfreemap.org/styles/dark",
		Saturation: f(1.6),
		Hue:        f(280),
		Contrast:   f(1.2),
		Prompt:     "cyberpunk neon city map, magenta and cyan glow, synthwave wallpaper",
	},
	{
		ID:         "arctic",
		StyleURL:   "https://tiles.openfreemap.org/styles/positron",
		Brightness: f(1.1),
		Saturation: f(0.6),
		Tint:       &RGB{R: 210, G: 235, B: 255},
		Prompt:     "icy arctic city map, pale blue and white, minimal frosty wallpaper",
	},
	{
		ID:         "forest",
		StyleURL:   "https://tiles.openfreemap.org/styles/liberty",
		Saturation: f(1.1),
		Hue:        f(20),
		Tint:       &RGB{R: 170, G: 220, B: 160},
		Prompt:     "lush forest green city map, organic botanical wallpaper",
	},
}
