// Package meta holds build metadata, set through -ldflags at release time:
//
//	-X github.com/rickchristie/mssql-mcp/internal/meta.Version=v1.2.0
package meta

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)
