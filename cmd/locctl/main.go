// locctl is the CLI client for a locationd node.
package main

import "github.com/evosense/locationd/cmd/locctl/commands"

func main() {
	commands.Execute()
}
