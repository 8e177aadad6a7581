package main

import "cellgain.ddns.net/cellgain-public/update-client/cli"

func main() {
	cli.Execute()
}
