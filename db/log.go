package db

import "gitlab.com/luminapay/lumina/build"

var log = build.AddSubLogger("DTBS")
