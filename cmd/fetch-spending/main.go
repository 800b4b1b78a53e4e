// Command fetch-spending pages through the Comptroller spending dataset and
// aggregates it by county and category.
package main

import (
	"txtax/internal/cli"
	"txtax/internal/refresh"
)

func main() {
	cli.RunIngestion("fetch-spending", false, (*refresh.Runner).Spending)
}
