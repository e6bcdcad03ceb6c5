// Package catalog holds the device presets and themes known to the
// pipeline. Entries are validated once when registered.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

type Catalog struct {
	mu      sync.RWMutex
	devices map[string]Device
	themes  map[string]Theme
}

func New() *Catalog {
	return &Catalog{
		devices: make(map[string]Device),
		themes:  make(map[string]Theme),
	}
}

// Default returns a catalog with the built-in presets and themes.
func Default() *Catalog {
	c := New()
	for _, d := range defaultDevices {
		if err := c.RegisterDevice(d); err != nil {
			panic(err)
		}
	}
	for _, t := range defaultThemes {
		if err := c.RegisterTheme(t); err != nil {
			panic(err)
		}
	}
	return c
}

func (c *Catalog) RegisterDevice(d Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.devices[d.ID] = d
	c.mu.Unlock()
	return nil
}

func (c *Catalog) RegisterTheme(t Theme) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.themes[t.ID] = t
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Device(id string) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[id]
	return d, ok
}

func (c *Catalog) Theme(id string) (Theme, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.themes[id]
	return t, ok
}

func (c *Catalog) DeviceIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.devices))
	for id := range c.devices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type file struct {
	Devices []Device `yaml:"devices"`
	Themes  []Theme  `yaml:"themes"`
}

// LoadFile registers the devices and themes from a YAML file on top of
// whatever the catalog already holds.
func (c *Catalog) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}
	for _, d := range f.Devices {
		if err := c.RegisterDevice(d); err != nil {
			return err
		}
	}
	for _, t := range f.Themes {
		if err := c.RegisterTheme(t); err != nil {
			return err
		}
	}
	return nil
}
