package main

import (
	"peerlink/client/cmd"
)

func main() {
	cmd.Execute()
}
