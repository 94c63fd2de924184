package main

import "github.com/chaya2z/vyatta-cfg-system/cmd/install-system/cmd"

func main() {
	cmd.Execute()
}
