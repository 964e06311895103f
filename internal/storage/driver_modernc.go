//go:build !cgosqlite

package storage

import _ "modernc.org/sqlite"

const driverName = "sqlite"
