package main

import "github.com/countbot/countbot/cmd"

func main() {
	cmd.Execute()
}
