package db

import "gorm.io/gorm"

// ClaimSuffix returns the row-claiming clause for work-queue style selects.
// PostgreSQL and MySQL support FOR UPDATE SKIP LOCKED; SQLite serializes
// writers itself, so the clause is omitted there.
func ClaimSuffix(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	switch conn.Dialector.Name() {
	case "postgres", "mysql":
		return " FOR UPDATE SKIP LOCKED"
	default:
		return ""
	}
}
