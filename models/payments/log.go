package payments

import (
	"gitlab.com/luminapay/lumina/build"
)

var log = build.AddSubLogger("PAYM")
