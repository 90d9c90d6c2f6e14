package sqlstore

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	register(dialect{
		name:       "sqlite",
		open:       sqliteDialector,
		singleConn: true,
	})
}

func sqliteDialector(dsn string) gorm.Dialector { return sqlite.Open(dsn) }
