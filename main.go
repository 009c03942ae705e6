package main

import (
	"Bt1Mix/cmd"
)

func main() {
	cmd.Execute()
}
