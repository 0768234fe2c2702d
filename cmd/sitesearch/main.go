package main

import "github.com/JakeFAU/sitesearch/cmd"

func main() {
	cmd.Execute()
}
