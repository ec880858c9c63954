// Package all registers every storage backend.
package all

import (
	_ "datamirror/internal/storage/mssql"
	_ "datamirror/internal/storage/mysql"
	_ "datamirror/internal/storage/postgres"
	_ "datamirror/internal/storage/sqlite"
)
