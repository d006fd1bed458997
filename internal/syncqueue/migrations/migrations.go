// Package migrations 内嵌同步队列的 SQLite 迁移脚本。
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
