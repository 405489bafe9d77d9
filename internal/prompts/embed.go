package prompts

import (
	"embed"
)

// builtinPacks embeds the default per-kind prompt packs.
//
//go:embed templates/*
var builtinPacks embed.FS
