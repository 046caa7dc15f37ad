package main

import "github.com/jake-scott/harmonyctl/cmd"

func main() {
	cmd.Execute()
}
