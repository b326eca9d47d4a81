package main

import "github.com/parley-chat/parley/cmd"

func main() {
	cmd.Execute()
}
