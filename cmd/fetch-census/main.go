// Command fetch-census fetches county population and median household income
// from the Census ACS API.
package main

import (
	"txtax/internal/cli"
	"txtax/internal/refresh"
)

func main() {
	cli.RunIngestion("fetch-census", true, (*refresh.Runner).Census)
}
