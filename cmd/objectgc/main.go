// objectgc reclaims local disk space from witnessd's bolt-backed object
// cache: once a chunk or manifest has been durably pinned by the external
// object store, the local copy only needs to survive long enough for
// Recovery to replay an interrupted session.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/witness-protocol/core/internal/objectstore"
)

func main() {
	path := flag.String("db", "objects.bolt", "Path to the witnessd object cache")
	maxAge := flag.Duration("max-age", 24*time.Hour, "Entries older than this are removed")
	flag.Parse()

	store, err := objectstore.OpenBoltStore(*path)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	removed, err := store.GC(*maxAge)
	if err != nil {
		panic(err)
	}
	fmt.Printf("object cache GC removed %d entries older than %s\n", removed, maxAge.String())
}
