// Package all registers every built-in destination backend.
//
// Import for side effects:
//
//	import _ "stageload/internal/destination/all"
package all

import (
	_ "stageload/internal/destination/mssql"
	_ "stageload/internal/destination/postgres"
	_ "stageload/internal/destination/sqlite"
)
