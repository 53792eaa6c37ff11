package main

import "servify/automation/cmd/cli"

func main() {
	cli.Execute()
}
