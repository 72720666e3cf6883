package web

import (
	"embed"
)

// staticFiles holds the embedded page.
//
//go:embed static/*
var staticFiles embed.FS
