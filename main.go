package main

import "github.com/upstack-tools/upstack/cmd"

func main() {
	cmd.Execute()
}
