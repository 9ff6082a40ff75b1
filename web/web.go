// Package web embeds the static control panel.
package web

import "embed"

//go:embed static
var StaticFiles embed.FS
