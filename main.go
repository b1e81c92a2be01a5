package main

import "github.com/dylan-fan/paragraph2vector-emtreecluster/cmd"

func main() {
	cmd.Execute()
}
