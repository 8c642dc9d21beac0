package main

import "github.com/dcsim/powersched/cmd"

func main() {
	cmd.Execute()
}
