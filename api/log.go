package api

import (
	"gitlab.com/luminapay/lumina/build"
)

var log = build.AddSubLogger("HTTP")
