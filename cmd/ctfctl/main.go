package main

import "github.com/pwndepot/ctfgate/cmd/ctfctl/cmd"

func main() {
	cmd.Execute()
}
