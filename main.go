package main

import "github.com/nextlevelbuilder/clawscope/cmd"

func main() {
	cmd.Execute()
}
