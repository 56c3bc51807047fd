package main

import "github.com/nextlevelbuilder/clawgate/cmd"

func main() {
	cmd.Execute()
}
