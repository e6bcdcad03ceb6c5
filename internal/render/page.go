package render

import (
	"bytes"
	"fmt"
	"html/template"

	"mapwall/internal/models"
)

const readyBinding = "mapReady"

var pageTemplate = template.Must(template.New("map").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<link rel="stylesheet" href="https://unpkg.com/maplibre-gl@4.7.1/dist/maplibre-gl.css">
<script src="https://unpkg.com/maplibre-gl@4.7.1/dist/maplibre-gl.js"></script>
<style>
html, body { margin: 0; padding: 0; overflow: hidden; }
#map { width: {{.Size}}px; height: {{.Size}}px; }
</style>
</head>
<body>
<div id="map"></div>
<script>
const map = new maplibregl.Map({
	container: "map",
	style: {{.StyleURL}},
	center: [{{.Viewport.Longitude}}, {{.Viewport.Latitude}}],
	zoom: {{.Viewport.Zoom}},
	bearing: {{.Viewport.Bearing}},
	pitch: {{.Viewport.Pitch}},
	interactive: false,
	attributionControl: false,
	fadeDuration: 0,
	preserveDrawingBuffer: true
});
map.once("idle", function () { window.{{.Binding}}("idle"); });
</script>
</body>
</html>
`))

type pageData struct {
	Size     int
	StyleURL string
	Viewport models.Viewport
	Binding  template.JS
}

// BuildPage returns the document that draws viewport with the given style
// on a size x size canvas and calls the readiness binding once idle.
func BuildPage(viewport models.Viewport, styleURL string, size int) (string, error) {
	var buf bytes.Buffer
	err := pageTemplate.Execute(&buf, pageData{
		Size:     size,
		StyleURL: styleURL,
		Viewport: viewport,
		Binding:  template.JS(readyBinding),
	})
	if err != nil {
		return "", fmt.Errorf("build page: %w", err)
	}
	return buf.String(), nil
}
