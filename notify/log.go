package notify

import (
	"gitlab.com/luminapay/lumina/build"
)

var log = build.AddSubLogger("NTFY")
