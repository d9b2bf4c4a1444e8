package main

import "github.com/solvera-apps/ms-go-billing/cmd"

func main() {
	cmd.Execute()
}
