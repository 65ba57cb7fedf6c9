package reconciler

import (
	"gitlab.com/luminapay/lumina/build"
)

var log = build.AddSubLogger("RCNC")
