package db

import (
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
)

// Builder renders dynamic list queries with postgres placeholders.
var Builder = goqu.Dialect("postgres")
