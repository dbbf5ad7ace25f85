/*
domaind inspects the state kept by the domain manager.
*/
package main

import (
	"github.com/spin-stack/domaind/cmd/domaind/commands"
)

func main() {
	commands.Execute()
}
