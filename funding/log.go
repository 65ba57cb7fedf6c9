package funding

import "gitlab.com/luminapay/lumina/build"

var log = build.AddSubLogger("FNDG")
