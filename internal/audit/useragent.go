package audit

import (
	"strings"

	"github.com/mssola/useragent"
)

// Device is the parsed form of a User-Agent header.
type Device struct {
	Type    string `json:"device_type"`
	Browser string `json:"browser"`
	OS      string `json:"os"`
}

// ParseUserAgent classifies a User-Agent header. An empty header yields
// "unknown" for every field.
func ParseUserAgent(header string) Device {
	header = strings.TrimSpace(header)
	if header == "" {
		return Device{Type: "unknown", Browser: "unknown", OS: "unknown"}
	}

	ua := useragent.New(header)
	d := Device{Type: "desktop"}

	switch {
	case ua.Bot():
		d.Type = "bot"
	case strings.Contains(header, "iPad") || strings.Contains(strings.ToLower(header), "tablet"):
		d.Type = "tablet"
	case ua.Mobile():
		d.Type = "mobile"
	}

	name, version := ua.Browser()
	switch {
	case name == "":
		d.Browser = "unknown"
	case version == "":
		d.Browser = name
	default:
		d.Browser = name + " " + version
	}

	d.OS = ua.OS()
	if d.OS == "" {
		d.OS = "unknown"
	}
	return d
}
