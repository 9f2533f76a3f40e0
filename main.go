package main

import "github.com/yurastanchuk/AppInsightsProxyV2/lib/cli"

func main() {
	cli.Main()
}
