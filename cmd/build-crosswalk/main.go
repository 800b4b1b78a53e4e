// Command build-crosswalk builds the ZIP to county crosswalk artifact from the
// Census relationship file.
package main

import (
	"txtax/internal/cli"
	"txtax/internal/refresh"
)

func main() {
	cli.RunIngestion("build-crosswalk", false, (*refresh.Runner).Crosswalk)
}
