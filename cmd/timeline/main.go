// Command timeline records a development activity timeline.
package main

import "devtimeline/internal/cli"

func main() {
	cli.Execute()
}
