package main

import "grimm.is/appwall/cmd"

func main() {
	cmd.Execute()
}
