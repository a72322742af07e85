package main

import (
	basecmd "github.com/bftkit/statetransfer/cmd"
	"github.com/bftkit/statetransfer/replica/cmd"
)

func main() {
	basecmd.Run(&cmd.CLI{}, "bcst-replica", "State transfer replica for a BFT cluster")
}
