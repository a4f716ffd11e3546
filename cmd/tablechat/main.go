// tablechat runs the restaurant chat relay and its terminal clients.
package main

import (
	"github.com/contenox/tablechat/internal/chatcli"
)

// cliSetTenancy is injected at build time with -ldflags "-X main.cliSetTenancy=...".
var cliSetTenancy string

func main() {
	if cliSetTenancy != "" {
		chatcli.Tenancy = cliSetTenancy
	}
	chatcli.Main()
}
