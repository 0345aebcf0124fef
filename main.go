package main

import "github.com/pirelay/relay/cmd"

func main() {
	cmd.Execute()
}
