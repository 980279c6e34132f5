package main

import "botcore/cmd"

func main() {
	cmd.Execute()
}
