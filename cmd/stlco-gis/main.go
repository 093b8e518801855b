// Command stlco-gis queries the St. Louis County (MN) Open_Data MapServer:
// it lists layers, pages and streams features, builds parcel and address
// bundles and can serve all of that over HTTP.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
