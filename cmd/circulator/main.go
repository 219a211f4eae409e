// Command circulator starts the event-bridge circulator.
package main

import (
	"github.com/evbridge/circulator/src/cmd"
)

func main() {
	cmd.Execute()
}
