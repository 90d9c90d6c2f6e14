package sqlstore

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func init() {
	register(dialect{
		name:     "postgres",
		open:     func(dsn string) gorm.Dialector { return postgres.Open(dsn) },
		rowLocks: true,
	})
}
