// Command pupstore generates schemas and inspects recorder tables.
//
// Usage:
//
//	go run github.com/getpup/pupstore/cmd/pupstore schema --engine postgres --output migrations
//	PUPSTORE_URL=sqlite://events.db pupstore create-tables
//	PUPSTORE_URL=sqlite://events.db pupstore notifications --start 1 --limit 20
//	PUPSTORE_URL=sqlite://events.db pupstore max-id --tracking upstream
//
// Database commands read the factory environment (PUPSTORE_URL, CREATE_TABLE,
// ...). With --name Orders, ORDERS_PUPSTORE_URL takes precedence and the
// orders_* tables are used.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd(nil).Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
