package main

import (
	"github.com/go-kmon/kmon/cmd/kmon/cmds"
)

func main() {
	cmds.New().Execute()
}
