// Command mailria hosts the Mailria session core: login, session
// inspection and a local web shell with guarded routes.
package main

import "github.com/Mailria/mailria/cmd/mailria/cmd"

func main() {
	cmd.Execute()
}
