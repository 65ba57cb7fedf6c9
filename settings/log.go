package settings

import "gitlab.com/luminapay/lumina/build"

var log = build.AddSubLogger("STNG")
