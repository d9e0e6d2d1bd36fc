package main

import "snapstream/agent/cmd"

func main() {
	cmd.Execute()
}
